package producer

import "errors"

var errCtrlQueueFull = errors.New("producer: ctrl send queue full")
