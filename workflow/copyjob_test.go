package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/bus"
	"github.com/goliatone/go-datacopy/jobstore"
	"github.com/goliatone/go-datacopy/provider"
)

func TestCopyJobSingleSmallFileLaunchesAndWaits(t *testing.T) {
	h := newHarness(t)
	h.client.AddObject(provider.Object{URI: "s3://a/f1", Size: 1024, ETag: "abc"})
	ctx := context.Background()

	exec, err := h.engine.StartExecution(ctx, CopyJobWorkflowName, CopyRequest{
		SourceURIs:     []string{"s3://a/f1"},
		DestinationURI: "s3://b/",
	})
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if exec.Status != ExecutionRunning || exec.State != StateAwaitingCompletion {
		t.Fatalf("expected running execution awaiting completion, got %s/%s", exec.Status, exec.State)
	}
	if exec.JobID != "J1" {
		t.Fatalf("expected job J1, got %q", exec.JobID)
	}

	var visited []State
	for _, change := range exec.Transitions() {
		visited = append(visited, change.To)
	}
	want := []State{StateEnumeratingSources, StateDirectTransfer, StateLaunchingExternalJob, StateAwaitingCompletion}
	if len(visited) != len(want) {
		t.Fatalf("expected path %v, got %v", want, visited)
	}
	for i := range want {
		if visited[i] != want[i] {
			t.Fatalf("expected path %v, got %v", want, visited)
		}
	}

	rec, err := h.jobs.Get(ctx, "J1", jobstore.RecordTypeJob)
	if err != nil {
		t.Fatalf("expected job record for J1: %v", err)
	}
	if rec.Status != jobstore.StatusPending {
		t.Fatalf("expected PENDING job record, got %s", rec.Status)
	}
	if rec.ExecutionID != exec.ID || rec.ExpireAt == 0 {
		t.Fatalf("expected job record bound to execution with expiry, got %+v", rec)
	}

	reqs := h.client.Requests()
	if len(reqs) != 1 || reqs[0].DestinationURI != "s3://b/" || reqs[0].SourceURIs[0] != "s3://a/f1" {
		t.Fatalf("unexpected provider requests %+v", reqs)
	}

	internal := h.publisher.onBus(bus.Internal)
	if len(internal) != 1 {
		t.Fatalf("expected one registration event, got %d", len(internal))
	}
	reg := decodeDetail[Registration](t, internal[0])
	if reg.JobID != "J1" || reg.TaskToken == "" {
		t.Fatalf("unexpected registration %+v", reg)
	}
	stored, err := h.engine.DescribeExecution(ctx, exec.ID)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if stored.TaskToken != reg.TaskToken {
		t.Fatalf("expected execution to wait on the published token")
	}
}

func TestCopyJobRejectsMalformedRequests(t *testing.T) {
	cases := map[string]any{
		"missing destination": map[string]any{"sourceUriList": []string{"s3://a/f1"}},
		"missing sources":     map[string]any{"destinationUri": "s3://b/"},
		"empty sources":       CopyRequest{SourceURIs: []string{}, DestinationURI: "s3://b/"},
		"blank source":        CopyRequest{SourceURIs: []string{" "}, DestinationURI: "s3://b/"},
		"no trailing slash":   CopyRequest{SourceURIs: []string{"s3://a/f1"}, DestinationURI: "s3://b"},
	}
	for name, input := range cases {
		h := newHarness(t)
		exec, err := h.engine.StartExecution(context.Background(), CopyJobWorkflowName, input)
		if !datacopy.HasCode(err, datacopy.ErrCodeValidation) {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
		if exec.Status != ExecutionFailed || exec.State != StateFailed {
			t.Fatalf("%s: expected failed execution, got %s/%s", name, exec.Status, exec.State)
		}
		if exec.ErrorCode != datacopy.ErrCodeValidation {
			t.Fatalf("%s: expected captured validation code, got %q", name, exec.ErrorCode)
		}
		if len(h.client.Requests()) != 0 {
			t.Fatalf("%s: expected no provider job", name)
		}
		outcomes := h.publisher.onBus(bus.External)
		if len(outcomes) != 1 || outcomes[0].DetailType != OutcomeDetailType {
			t.Fatalf("%s: expected one outcome event, got %d", name, len(outcomes))
		}
	}
}

func TestCopyJobExpandsFoldersIntoChildRequests(t *testing.T) {
	h := newHarness(t)
	h.client.AddObject(provider.Object{URI: "s3://a/dir/"})
	h.client.AddObject(provider.Object{URI: "s3://a/dir/x", Size: 10})
	h.client.AddObject(provider.Object{URI: "s3://a/dir/sub/"})
	h.client.AddObject(provider.Object{URI: "s3://a/empty/"})

	exec, err := h.engine.StartExecution(context.Background(), CopyJobWorkflowName, CopyRequest{
		SourceURIs:     []string{"s3://a/dir/", "s3://a/empty/"},
		DestinationURI: "s3://b/",
	})
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if exec.Status != ExecutionSucceeded {
		t.Fatalf("expected folder only request to succeed without a job, got %s", exec.Status)
	}
	if len(h.client.Requests()) != 0 {
		t.Fatalf("expected no provider job for folder only request")
	}

	internal := h.publisher.onBus(bus.Internal)
	if len(internal) != 1 {
		t.Fatalf("expected one child request, got %d", len(internal))
	}
	child := decodeDetail[CopyEnvelope](t, internal[0])
	if child.Payload.DestinationURI != "s3://b/dir/" {
		t.Fatalf("expected child destination s3://b/dir/, got %q", child.Payload.DestinationURI)
	}
	if len(child.Payload.SourceURIs) != 2 {
		t.Fatalf("expected both children in child request, got %v", child.Payload.SourceURIs)
	}
}

func TestCopyJobStagesLargeSinglePartObjects(t *testing.T) {
	h := newHarness(t, WithStagingThreshold(100))
	h.client.AddObject(provider.Object{URI: "s3://a/big", Size: 500, ETag: "abc"})
	h.client.AddObject(provider.Object{URI: "s3://a/multi", Size: 500, ETag: "abc-3"})
	h.client.AddObject(provider.Object{URI: "s3://a/small", Size: 10, ETag: "def"})

	exec, err := h.engine.StartExecution(context.Background(), CopyJobWorkflowName, CopyRequest{
		SourceURIs:     []string{"s3://a/big", "s3://a/multi", "s3://a/small"},
		DestinationURI: "s3://b/",
	})
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if exec.State != StateAwaitingCompletion {
		t.Fatalf("expected execution to await the provider job, got %s", exec.State)
	}
	staged := h.client.Staged()
	if len(staged) != 1 || staged["s3://a/big"] != "s3://b/big" {
		t.Fatalf("expected only the large single part object staged, got %v", staged)
	}
	reqs := h.client.Requests()
	if len(reqs) != 1 || len(reqs[0].SourceURIs) != 2 {
		t.Fatalf("expected multipart and small objects in the provider job, got %+v", reqs)
	}
	if exec.Transitions()[1].To != StateStagedTransfer {
		t.Fatalf("expected staged transfer before direct transfer")
	}
}

func TestCopyJobStagingOnlySucceedsWithoutJob(t *testing.T) {
	h := newHarness(t, WithStagingThreshold(100))
	h.client.AddObject(provider.Object{URI: "s3://a/big", Size: 500})

	exec, err := h.engine.StartExecution(context.Background(), CopyJobWorkflowName, CopyRequest{
		SourceURIs:     []string{"s3://a/big"},
		DestinationURI: "s3://b/",
	})
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if exec.Status != ExecutionSucceeded || exec.State != StateSucceeded {
		t.Fatalf("expected staged only request to succeed, got %s/%s", exec.Status, exec.State)
	}
	if h.jobs.Len() != 0 {
		t.Fatalf("expected no job rows for a staged only request")
	}
}

func TestCopyJobDeletesPartialDestinationObjects(t *testing.T) {
	h := newHarness(t)
	h.client.AddObject(provider.Object{URI: "s3://a/f1", Size: 10})
	h.client.AddObject(provider.Object{URI: "s3://b/f1", Size: 3, Status: provider.ObjectPartial})
	h.client.AddObject(provider.Object{URI: "s3://b/other", Size: 3, Status: provider.ObjectPartial})
	h.client.AddObject(provider.Object{URI: "s3://b/done", Size: 3})

	if _, err := h.engine.StartExecution(context.Background(), CopyJobWorkflowName, CopyRequest{
		SourceURIs:     []string{"s3://a/f1"},
		DestinationURI: "s3://b/",
	}); err != nil {
		t.Fatalf("start execution: %v", err)
	}
	deleted := h.client.Deleted()
	if len(deleted) != 1 || deleted[0] != "s3://b/f1" {
		t.Fatalf("expected only the matching partial object deleted, got %v", deleted)
	}
}

func TestCopyJobLaunchFailureFailsExecution(t *testing.T) {
	h := newHarness(t)
	h.client.AddObject(provider.Object{URI: "s3://a/f1", Size: 10})
	h.client.Fail = func(op string) error {
		if op == "start_copy_job" {
			return datacopy.NewError(datacopy.ErrProviderFailed, "quota exceeded", nil, nil)
		}
		return nil
	}

	exec, err := h.engine.StartExecution(context.Background(), CopyJobWorkflowName, CopyRequest{
		SourceURIs:     []string{"s3://a/f1"},
		DestinationURI: "s3://b/",
	})
	if !datacopy.HasCode(err, datacopy.ErrCodeProviderFailed) {
		t.Fatalf("expected provider failure, got %v", err)
	}
	if exec.Status != ExecutionFailed || exec.ErrorCode != datacopy.ErrCodeProviderFailed {
		t.Fatalf("expected failed execution with provider code, got %s/%s", exec.Status, exec.ErrorCode)
	}
	if h.jobs.Len() != 0 {
		t.Fatalf("expected no job row after failed launch")
	}
}

func TestCopyJobMissingSourceFails(t *testing.T) {
	h := newHarness(t)
	exec, err := h.engine.StartExecution(context.Background(), CopyJobWorkflowName, CopyRequest{
		SourceURIs:     []string{"s3://a/missing"},
		DestinationURI: "s3://b/",
	})
	if err == nil {
		t.Fatalf("expected missing source to fail")
	}
	if exec.State != StateFailed {
		t.Fatalf("expected failed state, got %s", exec.State)
	}
}

func TestCopyJobRegistrationPublishFailureMarksJobFailed(t *testing.T) {
	h := newHarness(t)
	h.client.AddObject(provider.Object{URI: "s3://a/f1", Size: 10})
	h.publisher.err = errors.New("bus down")

	exec, err := h.engine.StartExecution(context.Background(), CopyJobWorkflowName, CopyRequest{
		SourceURIs:     []string{"s3://a/f1"},
		DestinationURI: "s3://b/",
	})
	if err == nil {
		t.Fatalf("expected publish failure to surface")
	}
	if exec.Status != ExecutionFailed || exec.TaskToken != "" {
		t.Fatalf("expected failed execution without token, got %s token=%q", exec.Status, exec.TaskToken)
	}
	rec, gerr := h.jobs.Get(context.Background(), "J1", jobstore.RecordTypeJob)
	if gerr != nil {
		t.Fatalf("expected job row: %v", gerr)
	}
	if rec.Status != jobstore.StatusFailed {
		t.Fatalf("expected job row marked failed, got %s", rec.Status)
	}
}

func TestCopyJobUploadsExternalSources(t *testing.T) {
	h := newHarness(t)
	h.client.AddExternalObject(provider.Object{URI: "fm://files/42/sample.bam", Size: 900})
	h.client.AddExternalObject(provider.Object{URI: "fm://files/43/sample.bai", Size: 50})
	h.client.AddObject(provider.Object{URI: "s3://b/sample.bai", Size: 50})

	exec, err := h.engine.StartExecution(context.Background(), CopyJobWorkflowName, CopyRequest{
		ExternalSourceURIs: []string{"fm://files/42/sample.bam", "fm://files/43/sample.bai"},
		DestinationURI:     "s3://b/",
	})
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if exec.Status != ExecutionSucceeded {
		t.Fatalf("expected external only request to succeed without a job, got %s", exec.Status)
	}
	if exec.Transitions()[1].To != StateStagedTransfer {
		t.Fatalf("expected uploads to run in the staged transfer step")
	}
	uploaded := h.client.Uploaded()
	if len(uploaded) != 1 || uploaded["fm://files/42/sample.bam"] != "s3://b/sample.bam" {
		t.Fatalf("expected only the missing external file uploaded, got %v", uploaded)
	}
	var out CopyResult
	if err := json.Unmarshal(exec.Output, &out); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(out.Uploaded) != 1 || out.Uploaded[0] != "fm://files/42/sample.bam" {
		t.Fatalf("unexpected uploaded list %v", out.Uploaded)
	}
	if len(h.client.Requests()) != 0 {
		t.Fatalf("expected no provider job for external sources")
	}
}

func TestCopyJobMixesExternalAndProviderSources(t *testing.T) {
	h := newHarness(t)
	h.client.AddObject(provider.Object{URI: "s3://a/f1", Size: 10})
	h.client.AddExternalObject(provider.Object{URI: "fm://files/7/notes.txt", Size: 5})

	exec, err := h.engine.StartExecution(context.Background(), CopyJobWorkflowName, CopyRequest{
		SourceURIs:         []string{"s3://a/f1"},
		ExternalSourceURIs: []string{"fm://files/7/notes.txt"},
		DestinationURI:     "s3://b/",
	})
	if err != nil {
		t.Fatalf("start execution: %v", err)
	}
	if exec.State != StateAwaitingCompletion {
		t.Fatalf("expected execution to await the provider job, got %s", exec.State)
	}
	if h.client.Uploaded()["fm://files/7/notes.txt"] != "s3://b/notes.txt" {
		t.Fatalf("expected external file uploaded before launch")
	}
	reqs := h.client.Requests()
	if len(reqs) != 1 || len(reqs[0].SourceURIs) != 1 || reqs[0].SourceURIs[0] != "s3://a/f1" {
		t.Fatalf("expected only provider sources in the job, got %+v", reqs)
	}
}

func TestCopyJobExternalSizeConflictFails(t *testing.T) {
	h := newHarness(t)
	h.client.AddExternalObject(provider.Object{URI: "fm://files/1/a.txt", Size: 5})
	h.client.AddObject(provider.Object{URI: "s3://b/a.txt", Size: 9})

	exec, err := h.engine.StartExecution(context.Background(), CopyJobWorkflowName, CopyRequest{
		ExternalSourceURIs: []string{"fm://files/1/a.txt"},
		DestinationURI:     "s3://b/",
	})
	if !datacopy.HasCode(err, datacopy.ErrCodeValidation) {
		t.Fatalf("expected validation conflict, got %v", err)
	}
	if exec.Status != ExecutionFailed {
		t.Fatalf("expected failed execution, got %s", exec.Status)
	}
	if len(h.client.Uploaded()) != 0 {
		t.Fatalf("expected nothing uploaded over a conflicting object")
	}
}

func TestCopyJobMissingExternalSourceFails(t *testing.T) {
	h := newHarness(t)
	exec, err := h.engine.StartExecution(context.Background(), CopyJobWorkflowName, CopyRequest{
		ExternalSourceURIs: []string{"fm://files/404/gone"},
		DestinationURI:     "s3://b/",
	})
	if err == nil || exec.State != StateFailed {
		t.Fatalf("expected missing external source to fail, got %v in %s", err, exec.State)
	}
}
