package define

import (
	"errors"
)

const (
	TxnTypeTcc = "tcc"

	// transaction group states
	TxnStateBegin      = "begin"
	TxnStateTrying     = "trying"
	TxnStateConfirming = "confirming"
	TxnStateCancelling = "cancelling"
	TxnStateConfirmed  = "confirmed"
	TxnStateCancelled  = "cancelled"
	TxnStateDeadLetter = "dead_letter"

	// participant operations
	OpConfirm = "confirm"
	OpCancel  = "cancel"

	// participant outcomes
	OutcomePending   = "pending"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"

	// codec schemes
	CodecJSON = "json"
	CodecGob  = "gob"
	CodecBSON = "bson"
	CodecYAML = "yaml"

	// store schemes
	StoreDB     = "db"
	StoreRedis  = "redis"
	StoreMongo  = "mongo"
	StoreFile   = "file"
	StoreMemory = "memory"

	RmProtocolGrpc  = "grpc"
	RmProtocolHttp  = "http"
	RmProtocolHttps = "https"

	HeaderGtid     = "DTX_GTID"
	HeaderBranchId = "DTX_BRANCH_ID"
	HeaderTxnType  = "DTX_TXN_TYPE"
)

// ErrConfiguration marks errors that must abort startup.
var ErrConfiguration = errors.New("configuration error")
