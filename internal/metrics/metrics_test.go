package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/marketsettle/internal/domain"
)

func TestRecordOperationLabelsByErrorCode(t *testing.T) {
	ok := Operations.WithLabelValues("split", "ok")
	settled := Operations.WithLabelValues("split", "market_already_settled")
	beforeOK, beforeSettled := testutil.ToFloat64(ok), testutil.ToFloat64(settled)

	RecordOperation("split", time.Millisecond, nil)
	RecordOperation("split", time.Millisecond, fmt.Errorf("engine: split 1: %w", domain.ErrMarketAlreadySettled))

	assert.Equal(t, beforeOK+1, testutil.ToFloat64(ok))
	assert.Equal(t, beforeSettled+1, testutil.ToFloat64(settled))
}

func TestRecordCollateral(t *testing.T) {
	in := CollateralMoved.WithLabelValues("in")
	before := testutil.ToFloat64(in)

	RecordCollateral("in", 250)

	assert.Equal(t, before+250, testutil.ToFloat64(in))
}

func TestRecordArchive(t *testing.T) {
	before := testutil.ToFloat64(MarketsArchived)
	RecordArchive(3, nil)
	assert.Equal(t, before+3, testutil.ToFloat64(MarketsArchived))
}
