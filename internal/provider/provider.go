// Package provider defines the adapter contract for external send
// channels and the error classification the retry policies key off.
package provider

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

type Class int

const (
	ClassTransient Class = iota
	ClassRateLimited
	ClassPermanent
)

// Error is a classified provider failure.
type Error struct {
	Class Class
	Code  string
	Msg   string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Msg) }

func RateLimited(msg string) error { return &Error{Class: ClassRateLimited, Code: "rate_limited", Msg: msg} }
func Permanent(code, msg string) error { return &Error{Class: ClassPermanent, Code: code, Msg: msg} }
func Transient(code, msg string) error { return &Error{Class: ClassTransient, Code: code, Msg: msg} }

// Classify maps any error to a retry class. Unclassified errors
// (network, context) count as transient.
func Classify(err error) Class {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassTransient
}

// Code extracts the error code for operator-visible records.
func Code(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return "transient"
}

// Adapter sends one message through one external channel.
type Adapter interface {
	Send(ctx context.Context, destination, subject, body, idempotencyKey string) (providerMsgID string, err error)
}

// Registry resolves adapters by job type and provider name.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry() *Registry { return &Registry{adapters: map[string]Adapter{}} }

func (r *Registry) Register(jobType, provider string, a Adapter) {
	r.adapters[jobType+"/"+provider] = a
}

func (r *Registry) Resolve(jobType, provider string) (Adapter, error) {
	a, ok := r.adapters[jobType+"/"+provider]
	if !ok {
		return nil, errors.Errorf("no adapter for %s/%s", jobType, provider)
	}
	return a, nil
}
