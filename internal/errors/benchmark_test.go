package errors

import (
	"fmt"
	"testing"
)

func BenchmarkNewAppError(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = NewAppError(ErrCodeParameterInvalid, "test error", nil)
	}
}

func BenchmarkGetAppErrorWrapped(b *testing.B) {
	err := fmt.Errorf("outer: %w", NewAppError(ErrCodeCycleDetected, "cycle", nil))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = GetAppError(err)
	}
}

func BenchmarkHTTPStatus(b *testing.B) {
	err := NewAppError(ErrCodeInvalidGraph, "test error", nil)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_ = err.HTTPStatus()
	}
}
