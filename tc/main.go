package main

import (
	"flag"
	"os"

	"github.com/ikenchina/octopus-tcc/common/errorutil"
	"github.com/ikenchina/octopus-tcc/common/runner"
	"github.com/ikenchina/octopus-tcc/tc/config"
	tc "github.com/ikenchina/octopus-tcc/tc/service"
)

var (
	configFile = flag.String("config", "", "config file path, json or yaml")
)

func main() {
	flag.Parse()
	errorutil.PanicIfError(config.InitConfig(*configFile))
	svr, err := tc.NewTc(config.Get())
	errorutil.PanicIfError(err)

	if err := runner.Run(svr); err != nil {
		os.Exit(1)
	}
}
