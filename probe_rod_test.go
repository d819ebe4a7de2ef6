package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-rod/rod"
	"github.com/stretchr/testify/assert"
)

func TestClassifyRodError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"element not found", &rod.ElementNotFoundError{}, KindNotFound},
		{"wrapped not found", fmt.Errorf("query: %w", &rod.ElementNotFoundError{}), KindNotFound},
		{"not interactable", &rod.NotInteractableError{}, KindIntercepted},
		{"detached node", errors.New("{-32000 Node is detached from document }"), KindStale},
		{"node id gone", errors.New("Could not find node with given id"), KindStale},
		{"deadline", context.DeadlineExceeded, KindNotFound},
		{"browser gone", errors.New("write tcp: use of closed network connection"), KindFatalSession},
		{"target closed", errors.New("{-32000 Target closed }"), KindFatalSession},
		{"cancelled", context.Canceled, KindUnknown},
		{"anything else", errors.New("boom"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(classifyRodError(tt.err)))
		})
	}
}

func TestClassifyRodErrorKeepsCancellation(t *testing.T) {
	err := classifyRodError(fmt.Errorf("eval: %w", context.Canceled))
	assert.ErrorIs(t, err, context.Canceled)
}
