package app

import "errors"

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrTopicNotFound     = errors.New("topic not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrAnswerUnavailable = errors.New("unable to generate an answer")
	ErrMessageEnqueue    = errors.New("message enqueue failed")
	ErrExtractionFailed  = errors.New("prescription extraction failed")
)
