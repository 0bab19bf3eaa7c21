package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfExtractsThroughWrapping(t *testing.T) {
	base := New(KindVerification, "acceptance criterion failed")
	wrapped := fmt.Errorf("while running verification: %w", base)

	assert.Equal(t, KindVerification, KindOf(wrapped))
}

func TestKindOfReturnsEmptyForUnrelatedError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(fmt.Errorf("plain error")))
}

func TestWithEvidenceAndSuggestedActionChain(t *testing.T) {
	err := New(KindCoordination, "lock contended").
		WithEvidence("src/main.go held by run-9").
		WithSuggestedAction("retry after backoff")

	assert.Equal(t, "src/main.go held by run-9", err.Evidence)
	assert.Equal(t, "retry after backoff", err.SuggestedAction)
	assert.Contains(t, err.Error(), "lock contended")
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := Wrap(KindTransient, "llm call failed", cause)

	assert.Equal(t, cause, err.Unwrap())
	assert.Contains(t, err.Error(), "connection reset")
}
