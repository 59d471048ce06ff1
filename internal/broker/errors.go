package broker

import "errors"

var (
	ErrURLRequired      = errors.New("broker url is required")
	ErrExchangeRequired = errors.New("broker exchange is required")
	ErrPublisherClosed  = errors.New("broker publisher is closed")
)
