package client

import (
	"errors"
	"testing"
)

func TestShouldRetry(t *testing.T) {
	// only server faults and transport faults earn a backoff
	retried := map[ErrorClass]bool{
		ErrorClassClient:    false,
		ErrorClassServer:    true,
		ErrorClassRateLimit: false,
		ErrorClassNetwork:   true,
		"":                  false,
	}

	for class, want := range retried {
		if got := shouldRetry(class); got != want {
			t.Errorf("shouldRetry(%q) = %v, want %v", class, got, want)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{status: 500, want: ErrorClassServer},
		{status: 502, want: ErrorClassServer},
		{status: 599, want: ErrorClassServer},
		{status: 304, want: ErrorClassClient},
		{status: 400, want: ErrorClassClient},
		{status: 404, want: ErrorClassClient},
		{status: 420, want: ErrorClassClient},
		{status: 600, want: ErrorClassClient},
	}

	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestESIError_Error(t *testing.T) {
	tests := []struct {
		name     string
		esiError *ESIError
		expected string
	}{
		{
			name: "error with wrapped error",
			esiError: &ESIError{
				StatusCode: 500,
				ErrorClass: ErrorClassServer,
				Message:    "internal server error",
				Err:        errors.New("connection refused"),
			},
			expected: "ESI server error (status 500): internal server error: connection refused",
		},
		{
			name: "error without wrapped error",
			esiError: &ESIError{
				StatusCode: 404,
				ErrorClass: ErrorClassClient,
				Message:    "not found",
			},
			expected: "ESI client error (status 404): not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.esiError.Error()
			if result != tt.expected {
				t.Errorf("Error() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestESIError_Unwrap(t *testing.T) {
	wrappedErr := errors.New("wrapped error")
	esiError := &ESIError{
		StatusCode: 500,
		ErrorClass: ErrorClassServer,
		Message:    "server error",
		Err:        wrappedErr,
	}

	if !errors.Is(esiError, wrappedErr) {
		t.Error("errors.Is should work with wrapped error")
	}

	var target *ESIError
	if !errors.As(error(esiError), &target) || target.StatusCode != 500 {
		t.Error("errors.As should recover the ESIError")
	}
}
