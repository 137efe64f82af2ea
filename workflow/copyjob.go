package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/bus"
	"github.com/goliatone/go-datacopy/jobstore"
	"github.com/goliatone/go-datacopy/observability"
	"github.com/goliatone/go-datacopy/provider"
)

const CopyJobWorkflowName = "copy-job"

const (
	DefaultEventSource     = "orcabus.icav2datacopymanager"
	DefaultEventDetailType = "ICAv2DataCopySync"
	DefaultJobTTL          = 14 * 24 * time.Hour
)

// CopyRequest asks for every source to be copied into DestinationURI.
// ExternalSourceURIs name files held by the external file manager; they
// are uploaded rather than copied by the provider.
type CopyRequest struct {
	SourceURIs         []string `json:"sourceUriList" validate:"omitempty,dive,required"`
	ExternalSourceURIs []string `json:"externalSourceUriList,omitempty" validate:"omitempty,dive,required"`
	DestinationURI     string   `json:"destinationUri" validate:"required,endswith=/"`
}

// CopyEnvelope is the normalized form of a copy request event detail.
type CopyEnvelope struct {
	Payload CopyRequest `json:"payload"`
}

// Registration binds a launched provider job to the task token the
// execution waits on.
type Registration struct {
	JobID     string `json:"jobId"`
	TaskToken string `json:"taskToken"`
}

// CopyResult is the output of a copy execution that finished without
// waiting on a provider job.
type CopyResult struct {
	Staged   []string `json:"staged,omitempty"`
	Uploaded []string `json:"uploaded,omitempty"`
	Children int      `json:"childRequests,omitempty"`
}

// CopyJobWorkflow validates a copy request, expands folders, stages large
// single part objects and launches a provider copy job for the rest.
type CopyJobWorkflow struct {
	machine    *Machine
	client     provider.Client
	store      jobstore.Store
	publisher  bus.Publisher
	stager     *StagingPool
	validate   *validator.Validate
	threshold  int64
	ttl        time.Duration
	source     string
	detailType string
	logger     datacopy.Logger
	obs        *observability.Provider
	now        func() time.Time
}

var _ Workflow = (*CopyJobWorkflow)(nil)

type CopyJobOption func(*CopyJobWorkflow)

func WithStagingPool(pool *StagingPool) CopyJobOption {
	return func(w *CopyJobWorkflow) {
		if pool != nil {
			w.stager = pool
		}
	}
}

// WithStagingThreshold sets the size above which single part objects are staged.
func WithStagingThreshold(bytes int64) CopyJobOption {
	return func(w *CopyJobWorkflow) {
		w.threshold = bytes
	}
}

// WithJobTTL sets how long job rows are kept before the sweeper removes them.
func WithJobTTL(ttl time.Duration) CopyJobOption {
	return func(w *CopyJobWorkflow) {
		w.ttl = ttl
	}
}

// WithEventIdentity sets the source and detail type of published events.
func WithEventIdentity(source, detailType string) CopyJobOption {
	return func(w *CopyJobWorkflow) {
		if source != "" {
			w.source = source
		}
		if detailType != "" {
			w.detailType = detailType
		}
	}
}

func WithCopyJobLogger(logger datacopy.Logger) CopyJobOption {
	return func(w *CopyJobWorkflow) {
		w.logger = datacopy.NormalizeLogger(logger)
	}
}

func WithCopyJobObservability(obs *observability.Provider) CopyJobOption {
	return func(w *CopyJobWorkflow) {
		w.obs = obs
	}
}

func WithCopyJobClock(now func() time.Time) CopyJobOption {
	return func(w *CopyJobWorkflow) {
		if now != nil {
			w.now = now
		}
	}
}

func NewCopyJobWorkflow(client provider.Client, store jobstore.Store, publisher bus.Publisher, opts ...CopyJobOption) (*CopyJobWorkflow, error) {
	if client == nil || store == nil || publisher == nil {
		return nil, newError(datacopy.ErrValidation, "provider client, job store and publisher required", nil, nil)
	}
	machine, err := Compile(CopyJobMachine())
	if err != nil {
		return nil, err
	}
	w := &CopyJobWorkflow{
		machine:    machine,
		client:     client,
		store:      store,
		publisher:  publisher,
		validate:   newValidator(),
		threshold:  provider.DefaultStagingThreshold,
		ttl:        DefaultJobTTL,
		source:     DefaultEventSource,
		detailType: DefaultEventDetailType,
		logger:     datacopy.NewFmtLogger(nil),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.stager == nil {
		w.stager = NewStagingPool(client, WithStagingLogger(w.logger), WithStagingObservability(w.obs))
	}
	return w, nil
}

func (w *CopyJobWorkflow) Name() string      { return CopyJobWorkflowName }
func (w *CopyJobWorkflow) Machine() *Machine { return w.machine }

// Validate decodes and checks a copy request.
func (w *CopyJobWorkflow) Validate(input json.RawMessage) (CopyRequest, error) {
	var req CopyRequest
	if len(input) == 0 {
		return req, newError(datacopy.ErrValidation, "copy request required", nil, nil)
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return req, newError(datacopy.ErrValidation, "copy request is not valid json", err, nil)
	}
	req.DestinationURI = strings.TrimSpace(req.DestinationURI)
	for i, uri := range req.SourceURIs {
		req.SourceURIs[i] = strings.TrimSpace(uri)
	}
	for i, uri := range req.ExternalSourceURIs {
		req.ExternalSourceURIs[i] = strings.TrimSpace(uri)
	}
	if err := w.validate.Struct(req); err != nil {
		return req, newError(datacopy.ErrValidation, validationMessage("copy request", err), err, map[string]any{
			"destination_uri": req.DestinationURI,
		})
	}
	if len(req.SourceURIs) == 0 && len(req.ExternalSourceURIs) == 0 {
		return req, newError(datacopy.ErrValidation, "invalid copy request: sourceUriList or externalSourceUriList required", nil, map[string]any{
			"destination_uri": req.DestinationURI,
		})
	}
	return req, nil
}

func (w *CopyJobWorkflow) Run(ctx context.Context, run *Run, input json.RawMessage) error {
	req, err := w.Validate(input)
	if err != nil {
		return err
	}
	if err := run.Fire(ctx, EventValidated); err != nil {
		return err
	}

	plan, err := w.enumerate(ctx, req)
	if err != nil {
		return err
	}
	if len(plan.staged) == 0 && len(plan.external) == 0 && len(plan.direct) == 0 {
		return run.Succeed(ctx, CopyResult{Children: plan.children})
	}

	if len(plan.staged) > 0 || len(plan.external) > 0 {
		if err := run.Fire(ctx, EventStage); err != nil {
			return err
		}
		if err := w.stager.Stage(ctx, req.DestinationURI, plan.staged); err != nil {
			return err
		}
		uploaded, err := w.stager.Upload(ctx, req.DestinationURI, plan.external)
		if err != nil {
			return err
		}
		if len(plan.direct) == 0 {
			return run.Succeed(ctx, CopyResult{Staged: uris(plan.staged), Uploaded: uploaded, Children: plan.children})
		}
	}

	if err := run.Fire(ctx, EventDirect); err != nil {
		return err
	}
	if err := w.deletePartials(ctx, req.DestinationURI, plan.direct); err != nil {
		return err
	}

	if err := run.Fire(ctx, EventLaunch); err != nil {
		return err
	}
	jobID, err := w.client.StartCopyJob(ctx, provider.CopyJobRequest{
		SourceURIs:     uris(plan.direct),
		DestinationURI: req.DestinationURI,
	})
	if err != nil {
		w.obs.Metrics().RecordLaunch(ctx, "failed")
		return err
	}
	w.obs.Metrics().RecordLaunch(ctx, "ok")
	if err := run.Fire(ctx, EventLaunched); err != nil {
		return err
	}

	return w.await(ctx, run, req, jobID)
}

// await suspends the execution before the job row and the registration
// exist, so a resume can never arrive ahead of its token.
func (w *CopyJobWorkflow) await(ctx context.Context, run *Run, req CopyRequest, jobID string) error {
	token, err := run.Suspend(ctx, jobID)
	if err != nil {
		return err
	}

	now := w.now().UTC()
	record := jobstore.JobRecord{
		ID:             jobID,
		RecordType:     jobstore.RecordTypeJob,
		Status:         jobstore.StatusPending,
		ExecutionID:    run.Execution().ID,
		SourceURIs:     req.SourceURIs,
		DestinationURI: req.DestinationURI,
		ExpireAt:       jobstore.ExpiryFrom(now, w.ttl),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := w.store.Put(ctx, record); err != nil {
		return err
	}

	evt, err := bus.NewEvent(bus.Internal, w.source, w.detailType, Registration{JobID: jobID, TaskToken: token})
	if err == nil {
		err = w.publisher.Publish(ctx, evt)
	}
	if err != nil {
		record.Status = jobstore.StatusFailed
		record.Error = err.Error()
		record.UpdatedAt = w.now().UTC()
		if perr := w.store.Put(ctx, record); perr != nil {
			err = errors.Join(err, perr)
		}
		return err
	}
	run.Logger().Info("copy job %s launched for %d sources", jobID, len(req.SourceURIs))
	return nil
}

type copyPlan struct {
	staged   []provider.Object
	direct   []provider.Object
	external []provider.Object
	children int
}

// enumerate resolves every source. Folders are listed one level deep and
// handed back to the internal bus as child requests targeting a sub folder
// of the destination, which makes the copy recursive.
func (w *CopyJobWorkflow) enumerate(ctx context.Context, req CopyRequest) (copyPlan, error) {
	var plan copyPlan
	seen := make(map[string]struct{}, len(req.SourceURIs))
	for _, uri := range req.SourceURIs {
		if _, dup := seen[uri]; dup {
			continue
		}
		seen[uri] = struct{}{}

		obj, err := w.client.GetObject(ctx, uri)
		if err != nil {
			return plan, err
		}
		if !obj.IsFolder() {
			if provider.NeedsStaging(obj, w.threshold) {
				plan.staged = append(plan.staged, obj)
			} else {
				plan.direct = append(plan.direct, obj)
			}
			continue
		}

		children, err := w.client.ListFolder(ctx, obj.URI)
		if err != nil {
			return plan, err
		}
		if len(children) == 0 {
			w.logger.Debug("skipping empty folder %s", obj.URI)
			continue
		}
		child := CopyRequest{
			SourceURIs:     uris(children),
			DestinationURI: provider.JoinURI(req.DestinationURI, objectName(obj)) + "/",
		}
		if err := w.publishChild(ctx, child); err != nil {
			return plan, err
		}
		plan.children++
	}

	for _, uri := range req.ExternalSourceURIs {
		if _, dup := seen[uri]; dup {
			continue
		}
		seen[uri] = struct{}{}

		obj, err := w.client.GetExternalObject(ctx, uri)
		if err != nil {
			return plan, err
		}
		if obj.IsFolder() {
			return plan, newError(datacopy.ErrValidation, "external sources must be files", nil, map[string]any{
				"source_uri": uri,
			})
		}
		if obj.Name == "" {
			obj.Name = objectName(obj)
		}
		plan.external = append(plan.external, obj)
	}
	return plan, nil
}

func (w *CopyJobWorkflow) publishChild(ctx context.Context, req CopyRequest) error {
	evt, err := bus.NewEvent(bus.Internal, w.source, w.detailType, CopyEnvelope{Payload: req})
	if err != nil {
		return err
	}
	return w.publisher.Publish(ctx, evt)
}

// deletePartials removes half written destination objects that the job is
// about to replace.
func (w *CopyJobWorkflow) deletePartials(ctx context.Context, destinationURI string, sources []provider.Object) error {
	existing, err := w.client.ListFolder(ctx, destinationURI)
	if err != nil {
		return err
	}
	names := make(map[string]struct{}, len(sources))
	for _, src := range sources {
		names[src.Name] = struct{}{}
	}
	for _, obj := range existing {
		if obj.IsFolder() || obj.Status != provider.ObjectPartial {
			continue
		}
		if _, ok := names[obj.Name]; !ok {
			continue
		}
		if err := w.client.DeleteObject(ctx, obj.URI); err != nil {
			return err
		}
		w.logger.Info("deleted partial destination object %s", obj.URI)
	}
	return nil
}

func uris(objects []provider.Object) []string {
	out := make([]string, 0, len(objects))
	for _, obj := range objects {
		out = append(out, obj.URI)
	}
	return out
}

func objectName(obj provider.Object) string {
	if name := strings.Trim(obj.Name, "/"); name != "" {
		return name
	}
	trimmed := strings.TrimSuffix(obj.URI, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

// newValidator reports fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationMessage(what string, err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid " + what
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed on '%s'", fe.Field(), fe.Tag()))
	}
	return "invalid " + what + ": " + strings.Join(fields, ", ")
}
