package server

import (
	"io"

	logx "alertrelay/pkg/logx"
)

func testLogger() logx.Logger { return logx.NewWriter(io.Discard, "debug") }
