package usecase

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCollaboratorError(t *testing.T) {
	rate := collaboratorError("openai", fmt.Errorf("chat: %w", statusErr{code: http.StatusTooManyRequests}))
	require.Equal(t, ErrorRateLimited, rate.Code)
	require.Equal(t, "openai_rate_limited", rate.Reason)

	down := collaboratorError("gmail", statusErr{code: http.StatusServiceUnavailable})
	require.Equal(t, ErrorUnreachable, down.Code)
	require.Equal(t, "gmail_error", down.Reason)

	plain := collaboratorError("browser", errBoom)
	require.Equal(t, ErrorUnreachable, plain.Code)
	require.ErrorIs(t, plain, errBoom)
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, ErrorCode(""), CodeOf(errBoom))
	require.Equal(t, ErrorCode(""), CodeOf(nil))
	wrapped := fmt.Errorf("outer: %w", newError(ErrorParse, "x", errBoom))
	require.Equal(t, ErrorParse, CodeOf(wrapped))
	require.Equal(t, ErrorConfiguration, CodeOf(NewConfigurationError(errors.New("missing openai key"))))
}

func TestErrorMessage(t *testing.T) {
	require.Equal(t, "usecase: UPSTREAM_EMPTY (news_empty)", newError(ErrorUpstreamEmpty, "news_empty", nil).Error())
	require.Equal(t, "usecase: PARSE_ERROR (bad): boom", newError(ErrorParse, "bad", errBoom).Error())
}
