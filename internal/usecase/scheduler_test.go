package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TrialStreamer/internal/domain"
)

type manualDriver struct {
	job     func(time.Time)
	stopped bool
}

func (d *manualDriver) Start(_ context.Context, job func(time.Time)) error {
	d.job = job
	return nil
}

func (d *manualDriver) Stop(context.Context) error {
	d.stopped = true
	return nil
}

func TestSchedulerRunsUpdateOnTrigger(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.lister.baseline = []domain.SourceFile{
		h.files.add("pubmed25n0001.xml.gz", citationXML("100", "Trial", "Abstract.")),
	}
	driver := &manualDriver{}
	sched := NewScheduler(driver, h.orch, nil)

	require.NoError(t, sched.Start(context.Background()))
	require.NotNil(t, driver.job)

	driver.job(fixedNow)
	assert.Equal(t, []string{"100"}, h.classifier.classifiedPMIDs())

	// a failing run is logged and the next trigger retries
	h.lister.err = domain.ErrTransient
	driver.job(fixedNow.Add(time.Hour))

	require.NoError(t, sched.Stop(context.Background()))
	assert.True(t, driver.stopped)
}

func TestSchedulerWithoutDriver(t *testing.T) {
	t.Parallel()

	sched := NewScheduler(nil, nil, nil)
	require.NoError(t, sched.Start(context.Background()))
	require.NoError(t, sched.Stop(context.Background()))
}
