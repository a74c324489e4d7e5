package security

import (
	"context"
	"testing"

	"arbion/internal/caching"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type GuardTestSuite struct {
	suite.Suite
	guard   Guard
	userID  uuid.UUID
	context context.Context
}

func (suite *GuardTestSuite) SetupTest() {
	suite.guard = NewGuard(caching.NewMemoryCacheService())
	suite.userID = uuid.New()
	suite.context = context.Background()
}

func TestGuardTestSuite(t *testing.T) {
	suite.Run(t, new(GuardTestSuite))
}

func (suite *GuardTestSuite) TestIssueState_GeneratesHighEntropyToken() {
	session, err := suite.guard.IssueState(suite.context, suite.userID, "schwab", "sess-1")
	require.NoError(suite.T(), err)

	// 32 random bytes base64url-encoded: 43 chars, well over 128 bits
	assert.GreaterOrEqual(suite.T(), len(session.State), 32)
	assert.NotEmpty(suite.T(), session.CodeVerifier)
	assert.Equal(suite.T(), "sess-1", session.SessionID)
}

func (suite *GuardTestSuite) TestIssueState_TokensAreUnique() {
	s1, err := suite.guard.IssueState(suite.context, suite.userID, "schwab", "sess-1")
	require.NoError(suite.T(), err)
	s2, err := suite.guard.IssueState(suite.context, suite.userID, "coinbase", "sess-1")
	require.NoError(suite.T(), err)

	assert.NotEqual(suite.T(), s1.State, s2.State)
}

func (suite *GuardTestSuite) TestValidateState_Success() {
	issued, err := suite.guard.IssueState(suite.context, suite.userID, "schwab", "sess-1")
	require.NoError(suite.T(), err)

	session, err := suite.guard.ValidateState(suite.context, suite.userID, "schwab", "sess-1", issued.State)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), issued.CodeVerifier, session.CodeVerifier)
}

func (suite *GuardTestSuite) TestValidateState_SingleUse() {
	issued, err := suite.guard.IssueState(suite.context, suite.userID, "schwab", "sess-1")
	require.NoError(suite.T(), err)

	_, err = suite.guard.ValidateState(suite.context, suite.userID, "schwab", "sess-1", issued.State)
	require.NoError(suite.T(), err)

	// Second callback with the same state must be rejected
	_, err = suite.guard.ValidateState(suite.context, suite.userID, "schwab", "sess-1", issued.State)
	assert.ErrorIs(suite.T(), err, ErrInvalidState)
}

func (suite *GuardTestSuite) TestValidateState_Mismatch() {
	_, err := suite.guard.IssueState(suite.context, suite.userID, "schwab", "sess-1")
	require.NoError(suite.T(), err)

	_, err = suite.guard.ValidateState(suite.context, suite.userID, "schwab", "sess-1", "forged-state-value")
	assert.ErrorIs(suite.T(), err, ErrInvalidState)

	// A failed match still consumes the session
	_, err = suite.guard.ValidateState(suite.context, suite.userID, "schwab", "sess-1", "forged-state-value")
	assert.ErrorIs(suite.T(), err, ErrInvalidState)
}

func (suite *GuardTestSuite) TestValidateState_MissingSession() {
	_, err := suite.guard.ValidateState(suite.context, suite.userID, "schwab", "sess-1", "whatever")
	assert.ErrorIs(suite.T(), err, ErrInvalidState)
}

func (suite *GuardTestSuite) TestValidateState_EmptyState() {
	_, err := suite.guard.IssueState(suite.context, suite.userID, "schwab", "sess-1")
	require.NoError(suite.T(), err)

	_, err = suite.guard.ValidateState(suite.context, suite.userID, "schwab", "sess-1", "")
	assert.ErrorIs(suite.T(), err, ErrInvalidState)
}

func (suite *GuardTestSuite) TestValidateState_WrongInteractiveSession() {
	issued, err := suite.guard.IssueState(suite.context, suite.userID, "schwab", "sess-1")
	require.NoError(suite.T(), err)

	_, err = suite.guard.ValidateState(suite.context, suite.userID, "schwab", "other-session", issued.State)
	assert.ErrorIs(suite.T(), err, ErrInvalidState)
}

func (suite *GuardTestSuite) TestCheckRateLimit_BlocksAfterThreshold() {
	for i := 0; i < rateLimitMax; i++ {
		err := suite.guard.CheckRateLimit(suite.context, suite.userID, "token_exchange")
		require.NoError(suite.T(), err, "attempt %d should pass", i+1)
	}

	err := suite.guard.CheckRateLimit(suite.context, suite.userID, "token_exchange")
	var rateErr *RateLimitExceededError
	require.ErrorAs(suite.T(), err, &rateErr)
	assert.Greater(suite.T(), rateErr.RetryAfter.Seconds(), 0.0)

	// Blocked stays blocked on subsequent attempts
	err = suite.guard.CheckRateLimit(suite.context, suite.userID, "token_exchange")
	assert.ErrorAs(suite.T(), err, &rateErr)
}

func (suite *GuardTestSuite) TestCheckRateLimit_ScopedPerAction() {
	for i := 0; i <= rateLimitMax; i++ {
		suite.guard.CheckRateLimit(suite.context, suite.userID, "token_exchange")
	}

	// Different action for the same user is unaffected
	err := suite.guard.CheckRateLimit(suite.context, suite.userID, "begin_auth")
	assert.NoError(suite.T(), err)

	// Same action for a different user is unaffected
	err = suite.guard.CheckRateLimit(suite.context, uuid.New(), "token_exchange")
	assert.NoError(suite.T(), err)
}

func (suite *GuardTestSuite) TestRecordFailure_CountsTowardThreshold() {
	for i := 0; i < rateLimitMax; i++ {
		suite.guard.RecordFailure(suite.context, suite.userID, "token_exchange")
	}

	err := suite.guard.CheckRateLimit(suite.context, suite.userID, "token_exchange")
	var rateErr *RateLimitExceededError
	assert.ErrorAs(suite.T(), err, &rateErr)
}

func (suite *GuardTestSuite) TestRecordSuccess_ResetsCounter() {
	for i := 0; i < rateLimitMax-1; i++ {
		require.NoError(suite.T(), suite.guard.CheckRateLimit(suite.context, suite.userID, "token_exchange"))
	}

	suite.guard.RecordSuccess(suite.context, suite.userID, "token_exchange")

	// Full budget available again
	for i := 0; i < rateLimitMax; i++ {
		err := suite.guard.CheckRateLimit(suite.context, suite.userID, "token_exchange")
		assert.NoError(suite.T(), err)
	}
}
