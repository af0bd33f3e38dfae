package consumer

import "errors"

var errCtrlQueueFull = errors.New("consumer: ctrl send queue full")
