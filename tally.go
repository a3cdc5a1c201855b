// Package tally decides whether inbound chat interactions may proceed and
// accumulates durable usage statistics for the ones that do.
//
// A Tracker combines a ratelimit.Limiter, a stats.Aggregator and an
// interaction log:
//
//	tr := tally.New(limiter, stats.New(st), st)
//	res, err := tr.TrackSlashCommand(ctx, "ping", userID, guildID)
//	if err != nil {
//		return err // malformed input
//	}
//	if !res.Admitted {
//		return reply("try again later")
//	}
//	runErr := handle(ctx)
//	tr.Finish(ctx, res.Interaction, runErr)
//
// Denied interactions leave no trace in the log or the statistics. Failures
// to write the log or the statistics never block an admitted interaction;
// they are reported in TrackResult.StoreErr and replayed in the background.
package tally

import (
	"errors"
	"fmt"

	"github.com/nhalm/tally/store"
)

// Error taxonomy. These are the store sentinels; test with errors.Is.
var (
	ErrStoreUnavailable = store.ErrUnavailable
	ErrKeyConflict      = store.ErrConflict
	ErrInvalidInput     = store.ErrInvalidInput

	// ErrUnknownInteraction is returned by Lookup callers when an id is not in flight.
	ErrUnknownInteraction = errors.New("unknown interaction")
)

// ErrAlreadyCompleted is returned by ReportCompletion for an interaction
// that was already completed. It also matches ErrInvalidInput.
var ErrAlreadyCompleted = fmt.Errorf("%w: interaction already completed", ErrInvalidInput)

// Kind is the class of an inbound interaction. It is also the action class
// the rate limiter and the statistics are keyed by.
type Kind string

const (
	KindSlashCommand Kind = "slash_command"
	KindButton       Kind = "button"
	KindModal        Kind = "modal"
	KindAutocomplete Kind = "autocomplete"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindSlashCommand, KindButton, KindModal, KindAutocomplete}

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	switch k {
	case KindSlashCommand, KindButton, KindModal, KindAutocomplete:
		return true
	}
	return false
}

// ParseKind converts s to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("%w: unknown interaction kind %q", ErrInvalidInput, s)
	}
	return k, nil
}
