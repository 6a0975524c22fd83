package isoflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/isoflow/internal/message"
	"github.com/drblury/isoflow/internal/metrics"
	"github.com/drblury/isoflow/internal/network"
	"github.com/drblury/isoflow/internal/preprocess"
	"github.com/drblury/isoflow/internal/runtime/logging"
	"github.com/drblury/isoflow/internal/submission"
)

const pacs008 = `<Document xmlns="urn:iso:std:iso:20022:tech:xsd:pacs.008.001.08">
  <FIToFICstmrCdtTrf>
    <GrpHdr>
      <MsgId>MSG-2024-0042</MsgId>
      <CreDtTm>2024-03-01T10:15:00Z</CreDtTm>
      <NbOfTxs>1</NbOfTxs>
      <TtlIntrBkSttlmAmt Ccy="EUR">250.00</TtlIntrBkSttlmAmt>
      <SttlmInf><SttlmMtd>CLRG</SttlmMtd></SttlmInf>
    </GrpHdr>
    <CdtTrfTxInf>
      <PmtId><EndToEndId>E2E-42</EndToEndId></PmtId>
      <IntrBkSttlmAmt Ccy="EUR">250.00</IntrBkSttlmAmt>
      <DbtrAgt><FinInstnId><BICFI>%s</BICFI></FinInstnId></DbtrAgt>
      <CdtrAgt><FinInstnId><BICFI>BNPAFRPPXXX</BICFI></FinInstnId></CdtrAgt>
    </CdtTrfTxInf>
  </FIToFICstmrCdtTrf>
</Document>`

func startBackend(t *testing.T, conf Config, opts BackendOptions) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), conf, logging.NewNopLogger(), opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Start(ctx) }()
	select {
	case <-b.Service.Running():
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("backend did not start")
	}
	t.Cleanup(func() {
		cancel()
		<-done
		assert.NoError(t, b.Close())
	})
	return b
}

func TestNewBackend_RejectsInvalidConfig(t *testing.T) {
	_, err := NewBackend(context.Background(), Config{DatabaseDriver: "oracle"}, logging.NewNopLogger(), BackendOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle")

	_, err = NewBackend(context.Background(), Config{}, nil, BackendOptions{})
	assert.ErrorIs(t, err, ErrLoggerRequired)
}

func TestBackend_SubmitAndReconcile(t *testing.T) {
	sim := network.NewSimulator()
	sink := metrics.NewRecorder()
	b := startBackend(t, Config{}, BackendOptions{
		Network:     sim,
		MetricsSink: sink,
		Routes:      map[string]string{"DE": "polygon"},
	})

	var mu sync.Mutex
	var seen []Notification
	b.Reconciler.Subscribe(func(n Notification) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, n)
	})
	// The simulator delivers events in-process; the router path is covered
	// by TestBackend_SimulatorFeedsRouter.
	sim.Subscribe(func(ev network.Event) {
		assert.NoError(t, b.Reconciler.Handle(context.Background(), ev))
	})

	ctx := context.Background()
	res, err := b.Orchestrator.SubmitMessage(ctx, SubmitRequest{
		XML:           fmt.Sprintf(pacs008, "DEUTDEFFXXX"),
		InstitutionID: "inst-1",
	})
	require.NoError(t, err)
	require.True(t, res.Confirmed())
	assert.Equal(t, "polygon", res.Message.TargetChain)

	require.NoError(t, sim.Complete(ctx, res.Message.ProtocolMessageID, "completed"))

	stored, err := b.Store.Get(ctx, res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StatusCompleted, stored.Status)

	report, err := b.Orchestrator.GetMessageStatus(ctx, res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StatusCompleted, report.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, network.EventProcessingCompleted, seen[1].EventType)
	assert.Equal(t, 1, sink.Counter(submission.MetricSubmissions, metrics.Tags{"operation": submission.OpSubmit, "outcome": "success"}))
}

func TestBackend_SimulatorFeedsRouter(t *testing.T) {
	b := startBackend(t, Config{}, BackendOptions{})

	ctx := context.Background()
	res, err := b.Orchestrator.SubmitMessage(ctx, SubmitRequest{
		XML:           fmt.Sprintf(pacs008, "DEUTDEFFXXX"),
		InstitutionID: "inst-1",
	})
	require.NoError(t, err)
	require.True(t, res.Confirmed())

	require.NotNil(t, b.Simulator)
	require.NoError(t, b.Simulator.Complete(ctx, res.Message.ProtocolMessageID, "settled"))

	require.Eventually(t, func() bool {
		stored, err := b.Store.Get(ctx, res.Message.ID)
		return err == nil && stored.Status == message.StatusSettled
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBackend_RetryCountsOncePerResubmission(t *testing.T) {
	b := startBackend(t, Config{}, BackendOptions{})
	ctx := context.Background()

	retries := make(chan Notification, 1)
	b.Reconciler.Subscribe(func(n Notification) {
		if n.EventType == network.EventRetryInitiated {
			retries <- n
		}
	})

	b.Simulator.FailConfirmations(errors.New("reverted"))
	res, err := b.Orchestrator.SubmitMessage(ctx, SubmitRequest{
		XML:           fmt.Sprintf(pacs008, "DEUTDEFFXXX"),
		InstitutionID: "inst-1",
	})
	require.NoError(t, err)
	require.Equal(t, message.StatusFailed, res.Message.Status)
	b.Simulator.FailConfirmations(nil)

	retried, err := b.Orchestrator.RetryMessage(ctx, res.Message.ID)
	require.NoError(t, err)
	require.True(t, retried.Confirmed())

	var n Notification
	require.Eventually(t, func() bool {
		select {
		case n = <-retries:
			return true
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, n.RetryCount)

	stored, err := b.Store.Get(ctx, res.Message.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RetryCount)
}

func TestBackend_InstitutionRegistry(t *testing.T) {
	b := startBackend(t, Config{}, BackendOptions{
		Network:  network.NewSimulator(),
		Registry: preprocess.NewStaticRegistry("BNPAFRPPXXX"),
	})

	_, err := b.Orchestrator.SubmitMessage(context.Background(), SubmitRequest{
		XML:           fmt.Sprintf(pacs008, "DEUTDEFFXXX"),
		InstitutionID: "inst-1",
	})
	require.Error(t, err)
	assert.Equal(t, submission.CodePreprocessingFailed, SubmissionErrorCode(err))
}
