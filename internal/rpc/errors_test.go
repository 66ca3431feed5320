package rpc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDataError implements the go-ethereum rpc.DataError interface the way
// JSON-RPC providers report rejected eth_getLogs queries.
type mockDataError struct {
	msg  string
	data interface{}
}

func (e *mockDataError) Error() string          { return e.msg }
func (e *mockDataError) ErrorData() interface{} { return e.data }

func TestIsTooManyResultsError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
		{
			name: "data error with suggested range",
			err: &mockDataError{
				msg:  "query failed",
				data: "Query returned more than 20000 results. Try with this block range [0x7dfd25, 0x7e0fcc].",
			},
			expected: true,
		},
		{
			name: "data error with response size",
			err: &mockDataError{
				msg:  "query failed",
				data: "response size exceeded",
			},
			expected: true,
		},
		{
			name:     "plain error message",
			err:      errors.New("query returned more than 10000 results"),
			expected: true,
		},
		{
			name:     "block range too wide",
			err:      errors.New("block range is too wide"),
			expected: true,
		},
		{
			name:     "block range too large",
			err:      errors.New("Block range is too large"),
			expected: true,
		},
		{
			name:     "unrelated data error",
			err:      &mockDataError{msg: "execution reverted", data: "0x08c379a0"},
			expected: false,
		},
		{
			name:     "unrelated plain error",
			err:      errors.New("connection refused"),
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, _ := IsTooManyResultsError(tt.err)
			assert.Equal(t, tt.expected, ok)
		})
	}
}

func TestIsTooManyResultsError_ReturnsProviderMessage(t *testing.T) {
	detail := "Query returned more than 20000 results. Try with this block range [0x10, 0x20]."
	err := &mockDataError{msg: "query failed", data: detail}

	ok, errData := IsTooManyResultsError(err)
	require.True(t, ok)
	assert.Equal(t, detail, errData)
}

func TestIsTooManyResultsError_WrappedDataError(t *testing.T) {
	inner := &mockDataError{
		msg:  "query failed",
		data: "query returned more than 10000 results",
	}
	wrapped := fmt.Errorf("failed to fetch logs: %w", inner)

	ok, errData := IsTooManyResultsError(wrapped)
	require.True(t, ok)
	assert.Contains(t, errData, "more than 10000 results")
}

func TestParseSuggestedBlockRange(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		expectedFrom uint64
		expectedTo   uint64
		expectedOk   bool
	}{
		{
			name:         "valid suggested range",
			input:        "Query returned more than 20000 results. Try with this block range [0x7dfd25, 0x7e0fcc].",
			expectedFrom: 0x7dfd25,
			expectedTo:   0x7e0fcc,
			expectedOk:   true,
		},
		{
			name:         "range without spaces",
			input:        "retry with range [0x10,0x20]",
			expectedFrom: 0x10,
			expectedTo:   0x20,
			expectedOk:   true,
		},
		{
			name:       "no range in message",
			input:      "query returned more than 10000 results",
			expectedOk: false,
		},
		{
			name:       "empty string",
			input:      "",
			expectedOk: false,
		},
		{
			name:       "decimal range not recognized",
			input:      "try range [100, 200]",
			expectedOk: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to, ok := ParseSuggestedBlockRange(tt.input)
			require.Equal(t, tt.expectedOk, ok)
			if tt.expectedOk {
				assert.Equal(t, tt.expectedFrom, from)
				assert.Equal(t, tt.expectedTo, to)
			}
		})
	}
}
