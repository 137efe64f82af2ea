package datacopy

import (
	"context"
	"reflect"
)

// Message is a classified event payload: a copy request, a provider job
// event, a heartbeat tick or a completion notice.
type Message interface {
	// Type is the routing kind, for example "copy.request".
	Type() string
	Validate() error
}

// Commander executes the side effects of one message kind.
type Commander[T any] interface {
	Execute(ctx context.Context, msg T) error
}

// CommandFunc adapts a function to Commander.
type CommandFunc[T any] func(ctx context.Context, msg T) error

func (f CommandFunc[T]) Execute(ctx context.Context, msg T) error {
	return f(ctx, msg)
}

// ValidateMessage runs msg.Validate and tags any failure VALIDATION_FAILED
// with the message kind attached. Nil messages, typed nil pointers
// included, are rejected without calling into them.
func ValidateMessage(msg Message) error {
	if msg == nil {
		return NewError(ErrValidation, "nil message", nil, nil)
	}
	if v := reflect.ValueOf(msg); v.Kind() == reflect.Pointer && v.IsNil() {
		return NewError(ErrValidation, "nil message", nil, map[string]any{
			"message_type": v.Type().String(),
		})
	}

	err := msg.Validate()
	if err == nil || HasCode(err, ErrCodeValidation) {
		return err
	}
	return NewError(ErrValidation, "invalid "+msg.Type()+" message", err, map[string]any{
		"message_type": msg.Type(),
	})
}
