package errorutil

import (
	"context"

	"go.uber.org/zap"

	logutil "github.com/ikenchina/octopus-tcc/common/log"
)

func PanicIfError(err error) {
	if err == nil {
		return
	}
	logutil.Logger(context.Background()).Error("panic : ", zap.Error(err))
	_ = logutil.Sync()
	panic(err)
}

