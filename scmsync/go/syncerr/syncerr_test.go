package syncerr

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestCategory_Partitions(t *testing.T) {
	perm := []Category{
		CategoryAuthError, CategoryAuthMissing, CategoryAuthInvalid,
		CategoryRepoNotFound, CategoryRepoTypeUnknown, CategoryPermissionDenied,
	}
	trans := []Category{
		CategoryRateLimit, CategoryTimeout, CategoryNetwork,
		CategoryServerError, CategoryConnection, CategoryLeaseLost,
	}
	other := []Category{
		CategoryException, CategoryUnknown, CategoryUnknownJobType,
		CategoryLockHeld, CategoryContractError, CategoryValidationError,
		CategoryContentTooLarge, CategoryParseError,
	}
	for _, c := range perm {
		require.True(t, c.IsPermanent(), c)
		require.False(t, c.IsTransient(), c)
		require.True(t, c.IsKnown(), c)
	}
	for _, c := range trans {
		require.True(t, c.IsTransient(), c)
		require.False(t, c.IsPermanent(), c)
		require.True(t, c.IsKnown(), c)
	}
	for _, c := range other {
		require.False(t, c.IsPermanent(), c)
		require.False(t, c.IsTransient(), c)
		require.True(t, c.IsKnown(), c)
	}
	require.False(t, Category("made_up").IsKnown())
}

func TestDefaultBackoff(t *testing.T) {
	require.Equal(t, 120*time.Second, DefaultBackoff(CategoryRateLimit))
	require.Equal(t, 30*time.Second, DefaultBackoff(CategoryTimeout))
	require.Equal(t, 90*time.Second, DefaultBackoff(CategoryServerError))
	require.Equal(t, 60*time.Second, DefaultBackoff(CategoryNetwork))
	require.Equal(t, 45*time.Second, DefaultBackoff(CategoryConnection))
	// A lost lease is retried immediately.
	require.Equal(t, time.Duration(0), DefaultBackoff(CategoryLeaseLost))
	// Unlisted categories fall back to one minute.
	require.Equal(t, 60*time.Second, DefaultBackoff(CategoryException))
}

func TestSyncError_ErrorString(t *testing.T) {
	e := New(CategoryServerError, "upstream melted")
	require.Equal(t, "server_error: upstream melted", e.Error())
	require.Equal(t, "server_error (HTTP 503): upstream melted", e.WithStatus(503).Error())
}

func TestClassify_SyncErrorKeepsCategory(t *testing.T) {
	e := New(CategoryRateLimit, "slow down")
	require.Equal(t, CategoryRateLimit, Classify(e))

	// Wrapping does not lose the category.
	require.Equal(t, CategoryRateLimit, Classify(errors.Wrap(e, "while listing commits")))

	// A SyncError with a bogus category is a contract violation.
	require.Equal(t, CategoryContractError, Classify(&SyncError{Category: "nonsense"}))
}

func TestClassify_StatusCodeWins(t *testing.T) {
	e := &SyncError{Category: "nonsense", StatusCode: 404, Message: "gone"}
	// Known category on the SyncError would win, but this one is unknown, so
	// the contract error path applies before status inspection.
	require.Equal(t, CategoryContractError, Classify(e))
}

func TestClassify_Heuristics(t *testing.T) {
	require.Equal(t, CategoryUnknown, Classify(nil))
	require.Equal(t, CategoryTimeout, Classify(context.DeadlineExceeded))
	require.Equal(t, CategoryTimeout, Classify(errors.New("dial tcp: i/o timeout")))
	require.Equal(t, CategoryConnection, Classify(errors.New("connection refused")))
	require.Equal(t, CategoryConnection, Classify(errors.New("read: connection reset by peer")))
	require.Equal(t, CategoryAuthError, Classify(errors.New("401 Unauthorized")))
	require.Equal(t, CategoryPermissionDenied, Classify(errors.New("403 Forbidden")))
	require.Equal(t, CategoryRepoNotFound, Classify(errors.New("project not found")))
	require.Equal(t, CategoryRateLimit, Classify(errors.New("429 Too Many Requests")))
	require.Equal(t, CategoryException, Classify(errors.New("nil pointer dereference")))
}

func TestClassifyStatus(t *testing.T) {
	require.Equal(t, CategoryAuthError, ClassifyStatus(401))
	require.Equal(t, CategoryPermissionDenied, ClassifyStatus(403))
	require.Equal(t, CategoryRepoNotFound, ClassifyStatus(404))
	require.Equal(t, CategoryRateLimit, ClassifyStatus(429))
	require.Equal(t, CategoryServerError, ClassifyStatus(500))
	require.Equal(t, CategoryServerError, ClassifyStatus(599))
	require.Equal(t, CategoryException, ClassifyStatus(418))
	require.Equal(t, CategoryException, ClassifyStatus(200))
}

func TestFailed_CarriesRetryAfter(t *testing.T) {
	e := New(CategoryRateLimit, "slow down").WithRetryAfter(5 * time.Minute)
	r := Failed(e)
	require.False(t, r.Success)
	require.Equal(t, CategoryRateLimit, r.Category)
	require.Equal(t, 5*time.Minute, r.RetryAfter)
	require.Contains(t, r.Error, "slow down")
}

func TestValidateResult(t *testing.T) {
	ok := OK(map[string]int64{"synced_count": 3})
	require.Equal(t, ok, ValidateResult(ok))

	// Failure without error or category is coerced.
	r := ValidateResult(Result{Success: false})
	require.False(t, r.Success)
	require.Equal(t, CategoryContractError, r.Category)

	// Failure with only an error string gets CategoryException.
	r = ValidateResult(Result{Success: false, Error: "boom"})
	require.Equal(t, CategoryException, r.Category)

	// Unknown category is coerced.
	r = ValidateResult(Result{Success: false, Category: "made_up"})
	require.Equal(t, CategoryContractError, r.Category)

	// Negative counts are coerced on both paths.
	r = ValidateResult(Result{Success: true, Counts: map[string]int64{"synced_count": -1}})
	require.False(t, r.Success)
	require.Equal(t, CategoryContractError, r.Category)
	r = ValidateResult(Result{Success: false, Category: CategoryTimeout, Counts: map[string]int64{"n": -2}})
	require.Equal(t, CategoryContractError, r.Category)
}
