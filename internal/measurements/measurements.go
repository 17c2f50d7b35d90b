// Package measurements holds the helpers shared by the OpenTelemetry
// instrumentation of every package.
package measurements

import (
	"context"
	"errors"
	"os"

	"github.com/ipfs/go-datastore"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"go.opentelemetry.io/otel/attribute"
)

var (
	attrStatus         = attribute.Key("status")
	AttrStatusSuccess  = attrStatus.String("success")
	AttrStatusError    = attrStatus.String("error-other")
	AttrStatusCanceled = attrStatus.String("error-canceled")
	AttrStatusTimeout  = attrStatus.String("error-timeout")
	AttrStatusNotFound = attrStatus.String("error-not-found")

	attrResult = attribute.Key("result")
)

// Must panics if err is non-nil, otherwise returns v. Instruments are created
// at package init, where a failure is a programming error.
func Must[V any](v V, err error) V {
	if err != nil {
		panic(err)
	}
	return v
}

// Status classifies the outcome of an operation run under ctx.
func Status(ctx context.Context, err error) attribute.KeyValue {
	switch cErr := ctx.Err(); {
	case err == nil:
		return AttrStatusSuccess
	case errors.Is(err, datastore.ErrNotFound):
		return AttrStatusNotFound
	case os.IsTimeout(err),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(cErr, context.DeadlineExceeded):
		return AttrStatusTimeout
	case errors.Is(err, context.Canceled), errors.Is(cErr, context.Canceled):
		return AttrStatusCanceled
	default:
		return AttrStatusError
	}
}

// AttrFromPubSubValidationResult labels the verdict of a topic validator.
func AttrFromPubSubValidationResult(result pubsub.ValidationResult) attribute.KeyValue {
	switch result {
	case pubsub.ValidationAccept:
		return attrResult.String("accepted")
	case pubsub.ValidationReject:
		return attrResult.String("rejected")
	case pubsub.ValidationIgnore:
		return attrResult.String("ignored")
	default:
		return attrResult.String("unknown")
	}
}
