package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/isoflow/internal/cache"
	"github.com/drblury/isoflow/internal/iso20022"
	"github.com/drblury/isoflow/internal/message"
	"github.com/drblury/isoflow/internal/metrics"
	"github.com/drblury/isoflow/internal/network"
	"github.com/drblury/isoflow/internal/preprocess"
	rterrors "github.com/drblury/isoflow/internal/runtime/errors"
	"github.com/drblury/isoflow/internal/runtime/logging"
	"github.com/drblury/isoflow/internal/store"
	"github.com/drblury/isoflow/internal/validation"
)

const pacs008 = `<Document xmlns="urn:iso:std:iso:20022:tech:xsd:pacs.008.001.08">
  <FIToFICstmrCdtTrf>
    <GrpHdr>
      <MsgId>MSG-2024-0001</MsgId>
      <CreDtTm>2024-03-01T10:15:00Z</CreDtTm>
      <NbOfTxs>1</NbOfTxs>
      <TtlIntrBkSttlmAmt Ccy="EUR">1500.00</TtlIntrBkSttlmAmt>
      <SttlmInf><SttlmMtd>CLRG</SttlmMtd></SttlmInf>
    </GrpHdr>
    <CdtTrfTxInf>
      <PmtId><EndToEndId>E2E-1</EndToEndId></PmtId>
      <IntrBkSttlmAmt Ccy="EUR">1500.00</IntrBkSttlmAmt>
      <DbtrAgt><FinInstnId><BICFI>DEUTDEFFXXX</BICFI></FinInstnId></DbtrAgt>
      <CdtrAgt><FinInstnId><BICFI>%s</BICFI></FinInstnId></CdtrAgt>
    </CdtTrfTxInf>
  </FIToFICstmrCdtTrf>
</Document>`

func validXML() string { return fmt.Sprintf(pacs008, "BNPAFRPPXXX") }

type fixture struct {
	orch    *Orchestrator
	store   *store.MemoryStore
	sim     *network.Simulator
	sink    *metrics.Recorder
	logs    *logging.Recorder
	cache   *cache.MemoryCache
	network network.Client
}

type fixtureOption func(*fixture)

func withNetwork(c network.Client) fixtureOption {
	return func(f *fixture) { f.network = c }
}

func newFixture(t *testing.T, cfg Config, fopts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{
		store: store.NewMemoryStore(),
		sim:   network.NewSimulator(),
		sink:  metrics.NewRecorder(),
		logs:  logging.NewRecorder(),
		cache: cache.NewMemoryCache(),
	}
	f.network = f.sim
	for _, opt := range fopts {
		opt(f)
	}

	validator, err := validation.NewService(f.store, nil, validation.WithLogger(f.logs))
	require.NoError(t, err)

	seq := 0
	orch, err := New(Dependencies{
		Store:        f.store,
		Network:      f.network,
		Parser:       iso20022.NewParser(),
		Validator:    validator,
		Preprocessor: preprocess.New(f.store, preprocess.WithRoutes(map[string]string{"DE": "polygon"})),
	},
		WithConfig(cfg),
		WithStatusCache(f.cache),
		WithMetricsSink(f.sink),
		WithLogger(f.logs),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("msg_%d", seq)
		}),
	)
	require.NoError(t, err)
	f.orch = orch
	return f
}

func (f *fixture) submitted(t *testing.T) *message.Message {
	t.Helper()
	res, err := f.orch.SubmitMessage(context.Background(), SubmitRequest{XML: validXML(), InstitutionID: "inst-1"})
	require.NoError(t, err)
	return res.Message
}

func (f *fixture) stored(t *testing.T, id string) *message.Message {
	t.Helper()
	msg, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return msg
}

func stepNames(msg *message.Message) []string {
	var out []string
	for _, s := range msg.ProcessingSteps() {
		out = append(out, s.Step+":"+string(s.Status))
	}
	return out
}

func TestNew_RequiresDependencies(t *testing.T) {
	s := store.NewMemoryStore()
	full := Dependencies{
		Store:        s,
		Network:      network.NewSimulator(),
		Parser:       iso20022.NewParser(),
		Validator:    &validation.Service{},
		Preprocessor: preprocess.New(s),
	}

	cases := map[error]func(d *Dependencies){
		rterrors.ErrStoreRequired:         func(d *Dependencies) { d.Store = nil },
		rterrors.ErrNetworkClientRequired: func(d *Dependencies) { d.Network = nil },
		rterrors.ErrParserRequired:        func(d *Dependencies) { d.Parser = nil },
		rterrors.ErrValidatorRequired:     func(d *Dependencies) { d.Validator = nil },
		rterrors.ErrPreprocessorRequired:  func(d *Dependencies) { d.Preprocessor = nil },
	}
	for want, mutate := range cases {
		d := full
		mutate(&d)
		_, err := New(d)
		assert.ErrorIs(t, err, want)
	}

	_, err := New(full, WithConfig(Config{MaxMessageRetries: -1}))
	assert.Error(t, err)
}

func TestOrchestrator_SubmitMessage(t *testing.T) {
	f := newFixture(t, DefaultConfig)

	res, err := f.orch.SubmitMessage(context.Background(), SubmitRequest{
		XML:           validXML(),
		InstitutionID: "inst-1",
		CreatedBy:     "user-7",
		MaxFee:        500,
	})
	require.NoError(t, err)
	require.True(t, res.Confirmed())
	assert.True(t, res.Validation.Valid)
	assert.Equal(t, int64(125), res.Fee.Total())

	msg := f.stored(t, "msg_1")
	assert.Equal(t, message.StatusPending, msg.Status)
	assert.Equal(t, "user-7", msg.CreatedBy)
	assert.Equal(t, "polygon", msg.TargetChain)
	assert.NotEmpty(t, msg.ProtocolMessageID)
	assert.NotEmpty(t, msg.TransactionHash)
	assert.NotZero(t, msg.Metadata().BlockNumber)
	assert.Equal(t, uint64(21000), msg.Metadata().GasUsed)
	assert.Equal(t, []string{
		"validation:started", "validation:completed",
		"preprocessing:started", "preprocessing:completed",
		"submission:completed", "submission_confirmed:completed",
	}, stepNames(msg))

	byProtocol, err := f.store.FindByProtocolID(context.Background(), msg.ProtocolMessageID)
	require.NoError(t, err)
	assert.Equal(t, "msg_1", byProtocol.ID)

	subs := f.sim.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, message.SubmissionCustomerCreditTransfer, subs[0].SubmissionType)

	assert.Equal(t, 1, f.sink.Counter(MetricSubmissions, metrics.Tags{"operation": OpSubmit, "outcome": "success"}))
	assert.Len(t, f.sink.Observations(MetricSubmissionDuration, metrics.Tags{"operation": OpSubmit}), 1)
}

func TestOrchestrator_SubmitMessageRejectsInput(t *testing.T) {
	f := newFixture(t, DefaultConfig)
	ctx := context.Background()

	for name, req := range map[string]SubmitRequest{
		"empty xml":        {XML: "  ", InstitutionID: "inst-1"},
		"no institution":   {XML: validXML()},
		"negative max fee": {XML: validXML(), InstitutionID: "inst-1", MaxFee: -1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := f.orch.SubmitMessage(ctx, req)
			assert.True(t, HasCode(err, CodeInvalidInput), "got %v", err)
		})
	}
	assert.Equal(t, 3, f.sink.Counter(MetricSubmissions, metrics.Tags{"outcome": CodeInvalidInput}))

	all, err := f.store.List(ctx, store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestOrchestrator_SubmitMessageParseFailure(t *testing.T) {
	f := newFixture(t, DefaultConfig)

	_, err := f.orch.SubmitMessage(context.Background(), SubmitRequest{XML: "<Document><unclosed>", InstitutionID: "inst-1"})
	require.True(t, HasCode(err, CodeValidationError))

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, OpSubmit, se.Op)
	assert.Empty(t, se.MessageID)
	require.NotEmpty(t, se.Issues)
	assert.Equal(t, iso20022.CodeMalformedXML, se.Issues[0].Code)

	var verr *iso20022.ValidationError
	assert.ErrorAs(t, err, &verr)
	assert.Positive(t, f.logs.Count("error"))
}

func TestOrchestrator_SubmitMessageValidationFindings(t *testing.T) {
	f := newFixture(t, DefaultConfig)

	res, err := f.orch.SubmitMessage(context.Background(), SubmitRequest{
		XML:           fmt.Sprintf(pacs008, "DEUTDEFFXXX"),
		InstitutionID: "inst-1",
	})
	require.True(t, HasCode(err, CodeValidationError), "got %v", err)
	require.NotNil(t, res)
	assert.False(t, res.Validation.Valid)

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "msg_1", se.MessageID)
	require.Len(t, se.Issues, 1)
	assert.Equal(t, validation.CodeSameAgents, se.Issues[0].Code)

	assert.Equal(t, message.StatusValidationFailed, f.stored(t, "msg_1").Status)
	assert.Empty(t, f.sim.Submissions())
}

func TestOrchestrator_SubmitMessageFeeLimit(t *testing.T) {
	f := newFixture(t, DefaultConfig)

	_, err := f.orch.SubmitMessage(context.Background(), SubmitRequest{XML: validXML(), InstitutionID: "inst-1", MaxFee: 100})
	require.True(t, HasCode(err, CodeFeeLimitExceeded), "got %v", err)
	assert.Contains(t, err.Error(), "125")

	msg := f.stored(t, "msg_1")
	assert.Equal(t, message.StatusFailed, msg.Status)
	step, _ := msg.CurrentProcessingStep()
	assert.Equal(t, StepFeeQuote, step)
	assert.Empty(t, msg.ProtocolMessageID)
	assert.Empty(t, f.sim.Submissions())
}

func TestOrchestrator_SubmitMessageNetworkFailure(t *testing.T) {
	f := newFixture(t, DefaultConfig)
	f.sim.FailNextSubmission(errors.New("node unreachable"))

	_, err := f.orch.SubmitMessage(context.Background(), SubmitRequest{XML: validXML(), InstitutionID: "inst-1"})
	require.True(t, HasCode(err, CodeSubmissionFailed), "got %v", err)
	assert.Contains(t, err.Error(), "node unreachable")

	msg := f.stored(t, "msg_1")
	assert.Equal(t, message.StatusFailed, msg.Status)
	assert.Equal(t, "node unreachable", msg.ErrorMessage)
}

type openCircuit struct{ *network.Simulator }

func (openCircuit) SubmitMessage(context.Context, network.Submission) (network.PendingTransaction, error) {
	return nil, fmt.Errorf("submit: %w", network.ErrCircuitOpen)
}

func TestOrchestrator_SubmitMessageCircuitOpen(t *testing.T) {
	f := newFixture(t, DefaultConfig, withNetwork(openCircuit{network.NewSimulator()}))

	_, err := f.orch.SubmitMessage(context.Background(), SubmitRequest{XML: validXML(), InstitutionID: "inst-1"})
	assert.True(t, HasCode(err, CodeNetworkUnavailable), "got %v", err)
	assert.ErrorIs(t, err, network.ErrCircuitOpen)
}

func TestOrchestrator_ConfirmationFailureIsNotAnError(t *testing.T) {
	f := newFixture(t, DefaultConfig)
	f.sim.FailConfirmations(errors.New("reverted"))

	res, err := f.orch.SubmitMessage(context.Background(), SubmitRequest{XML: validXML(), InstitutionID: "inst-1"})
	require.NoError(t, err)
	assert.False(t, res.Confirmed())

	msg := f.stored(t, "msg_1")
	assert.Equal(t, message.StatusFailed, msg.Status)
	assert.Equal(t, "reverted", msg.ErrorMessage)
	assert.Equal(t, "reverted", msg.Metadata().LastError)
	assert.NotEmpty(t, msg.ProtocolMessageID)
	assert.Equal(t, "submission_confirmed:failed", stepNames(msg)[len(msg.ProcessingSteps())-1])
	assert.Equal(t, 1, f.sink.Counter(MetricSubmissions, metrics.Tags{"operation": OpSubmit, "outcome": outcomeConfirmationFailed}))
}

type stalledTx struct{ network.PendingTransaction }

func (stalledTx) Wait(ctx context.Context) (network.Receipt, error) {
	<-ctx.Done()
	return network.Receipt{}, ctx.Err()
}

type stalledNetwork struct{ *network.Simulator }

func (n stalledNetwork) SubmitMessage(ctx context.Context, sub network.Submission) (network.PendingTransaction, error) {
	tx, err := n.Simulator.SubmitMessage(ctx, sub)
	if err != nil {
		return nil, err
	}
	return stalledTx{tx}, nil
}

func TestOrchestrator_ConfirmationTimeout(t *testing.T) {
	f := newFixture(t, Config{MaxMessageRetries: 3, ConfirmationTimeout: 20 * time.Millisecond},
		withNetwork(stalledNetwork{network.NewSimulator()}))

	res, err := f.orch.SubmitMessage(context.Background(), SubmitRequest{XML: validXML(), InstitutionID: "inst-1"})
	require.NoError(t, err)
	assert.Equal(t, message.StatusFailed, res.Message.Status)
	assert.Contains(t, res.Message.ErrorMessage, "deadline exceeded")
}

func TestOrchestrator_RetryMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{MaxMessageRetries: 1, ConfirmationTimeout: time.Minute})
	f.sim.FailConfirmations(errors.New("reverted"))
	first := f.submitted(t)
	require.Equal(t, message.StatusFailed, first.Status)
	f.sim.FailConfirmations(nil)

	res, err := f.orch.RetryMessage(ctx, first.ID)
	require.NoError(t, err)
	assert.True(t, res.Confirmed())

	msg := f.stored(t, first.ID)
	assert.Equal(t, message.StatusPending, msg.Status)
	assert.Equal(t, 1, msg.RetryCount)
	assert.Equal(t, first.ProtocolMessageID, msg.ProtocolMessageID)
	assert.NotEqual(t, first.TransactionHash, msg.TransactionHash)
	assert.Empty(t, msg.ErrorMessage)
	assert.Len(t, f.sim.Submissions(), 1)

	_, err = f.orch.RetryMessage(ctx, first.ID)
	assert.True(t, HasCode(err, CodeValidationError), "pending message retried: %v", err)

	require.NoError(t, f.sim.Complete(ctx, msg.ProtocolMessageID, "failed"))
	msg.SetStatus(message.StatusFailed)
	require.NoError(t, f.store.Update(ctx, msg))
	_, err = f.orch.RetryMessage(ctx, first.ID)
	require.True(t, HasCode(err, CodeValidationError))
	assert.Contains(t, err.Error(), "retry limit")
}

func TestOrchestrator_RetryMessageErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig)

	_, err := f.orch.RetryMessage(ctx, "missing")
	assert.True(t, HasCode(err, CodeNotFound))
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.orch.RetryMessage(ctx, "")
	assert.True(t, HasCode(err, CodeInvalidInput))

	unsent := message.New("msg_x", "inst-1", message.TypePacs008, "<Document/>")
	unsent.Status = message.StatusFailed
	require.NoError(t, f.store.Insert(ctx, unsent))
	_, err = f.orch.RetryMessage(ctx, "msg_x")
	require.True(t, HasCode(err, CodeValidationError))
	assert.Contains(t, err.Error(), "never submitted")

	f.sim.FailConfirmations(errors.New("reverted"))
	failed := f.submitted(t)
	f.sim.FailNextSubmission(errors.New("still down"))
	_, err = f.orch.RetryMessage(ctx, failed.ID)
	require.True(t, HasCode(err, CodeSubmissionFailed))

	msg := f.stored(t, failed.ID)
	assert.Equal(t, message.StatusFailed, msg.Status)
	assert.Zero(t, msg.RetryCount)
	assert.Equal(t, "retry:failed", stepNames(msg)[len(msg.ProcessingSteps())-1])
}

func TestOrchestrator_CancelMessage(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig)
	pending := f.submitted(t)

	msg, err := f.orch.CancelMessage(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StatusCancelled, msg.Status)
	assert.Equal(t, message.StatusCancelled, f.stored(t, pending.ID).Status)

	result, err := f.sim.GetMessageResult(ctx, pending.ProtocolMessageID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", result.Status)

	_, err = f.orch.CancelMessage(ctx, pending.ID)
	assert.True(t, HasCode(err, CodeValidationError))
}

func TestOrchestrator_CancelMessageRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig)
	pending := f.submitted(t)
	require.NoError(t, f.sim.Complete(ctx, pending.ProtocolMessageID, "completed"))

	_, err := f.orch.CancelMessage(ctx, pending.ID)
	require.True(t, HasCode(err, CodeCancellationFailed), "got %v", err)
	assert.Equal(t, message.StatusPending, f.stored(t, pending.ID).Status)
}

func TestOrchestrator_GetMessageStatusIsCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig)
	pending := f.submitted(t)

	report, err := f.orch.GetMessageStatus(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, message.StatusPending, report.Status)
	require.NotNil(t, report.Network)
	assert.Equal(t, "pending", report.Network.Status)

	require.NoError(t, f.sim.Complete(ctx, pending.ProtocolMessageID, "completed"))
	cached, err := f.orch.GetMessageStatus(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", cached.Network.Status)
	assert.Equal(t, 1, f.sink.Counter(MetricSubmissions, metrics.Tags{"operation": OpStatus, "outcome": "cached"}))

	require.NoError(t, f.cache.Delete(ctx, StatusCacheKey(pending.ID)))
	fresh, err := f.orch.GetMessageStatus(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", fresh.Network.Status)
}

func TestOrchestrator_GetMessageStatusWithoutProtocolID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DefaultConfig)
	draft := message.New("msg_d", "inst-1", message.TypeCamt056, "<Document/>")
	require.NoError(t, f.store.Insert(ctx, draft))

	report, err := f.orch.GetMessageStatus(ctx, "msg_d")
	require.NoError(t, err)
	assert.Equal(t, message.StatusDraft, report.Status)
	assert.Nil(t, report.Network)

	_, err = f.orch.GetMessageStatus(ctx, "nope")
	assert.True(t, HasCode(err, CodeNotFound))
}

func TestError_Format(t *testing.T) {
	err := &Error{Code: CodeSubmissionFailed, Op: OpSubmit, MessageID: "msg_1", Err: errors.New("boom"), Issues: []message.Issue{{Code: "X"}}}
	assert.Equal(t, "submission: submit msg_1: SUBMISSION_FAILED: boom (1 issues)", err.Error())
	assert.True(t, strings.HasPrefix((&Error{Code: CodeNotFound, Op: OpRetry}).Error(), "submission: retry: NOT_FOUND"))
	assert.Equal(t, "", CodeOf(errors.New("plain")))
	assert.True(t, HasCode(fmt.Errorf("wrap: %w", err), CodeSubmissionFailed))
}
