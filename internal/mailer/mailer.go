// Package mailer defines the delivery capability workers call and the error
// classes that decide between retrying and dead-lettering.
//
// Workers only see the Mailer interface; the transport (SMTP or a log sink for
// development) is chosen at wiring time.
package mailer

import (
	"context"
	"errors"
	"fmt"

	"github.com/Popie52/notifyqueue/internal/model"
)

// Mailer delivers one notification.
type Mailer interface {
	Send(ctx context.Context, n model.Notification) error
}

// Func adapts a plain function to Mailer.
type Func func(ctx context.Context, n model.Notification) error

func (f Func) Send(ctx context.Context, n model.Notification) error { return f(ctx, n) }

// Class tells the worker whether a failed send is worth retrying.
type Class int

const (
	// ClassTransient failures (timeouts, 4xx replies, dropped connections) are retried.
	ClassTransient Class = iota
	// ClassPermanent failures (bad address, 5xx replies) are dead-lettered at once.
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// MailError is a classified delivery failure.
type MailError struct {
	Class Class
	Err   error
}

func (e *MailError) Error() string {
	return fmt.Sprintf("%s mail error: %v", e.Class, e.Err)
}

func (e *MailError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &MailError{Class: ClassTransient, Err: err}
}

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &MailError{Class: ClassPermanent, Err: err}
}

// ClassOf reports the class of err. Errors that were never classified count as
// transient.
func ClassOf(err error) Class {
	var me *MailError
	if errors.As(err, &me) {
		return me.Class
	}
	return ClassTransient
}

func IsPermanent(err error) bool {
	return err != nil && ClassOf(err) == ClassPermanent
}
