package provider

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"

	datacopy "github.com/goliatone/go-datacopy"
)

// Fake is an in-memory provider used by tests and the local serve mode.
type Fake struct {
	mu       sync.Mutex
	objects  map[string]Object
	jobs     map[string]string
	requests []CopyJobRequest
	staged   map[string]string
	deleted  []string
	nextJob  int

	external map[string]Object
	uploaded map[string]string
	moved    map[string]string

	// Fail, when set, is consulted before every call with the operation name.
	Fail func(op string) error
}

var _ Client = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		objects: make(map[string]Object),
		jobs:    make(map[string]string),
		staged:  make(map[string]string),

		external: make(map[string]Object),
		uploaded: make(map[string]string),
		moved:    make(map[string]string),
	}
}

// AddExternalObject registers a file held by the external file manager.
func (f *Fake) AddExternalObject(obj Object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if obj.Name == "" {
		obj.Name = baseName(obj.URI)
	}
	obj.Kind = KindFile
	obj.Status = ObjectAvailable
	f.external[obj.URI] = obj
}

// Uploaded maps external source uris to the targets they were uploaded to.
func (f *Fake) Uploaded() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.uploaded)
}

// Moved maps moved source uris to their targets.
func (f *Fake) Moved() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.moved)
}

// Object returns the object stored at uri.
func (f *Fake) Object(uri string) (Object, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[uri]
	return obj, ok
}

// AddObject registers obj, creating parent folders as needed.
func (f *Fake) AddObject(obj Object) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if obj.Name == "" {
		obj.Name = baseName(obj.URI)
	}
	if obj.Kind == "" {
		obj.Kind = KindFile
		if strings.HasSuffix(obj.URI, "/") {
			obj.Kind = KindFolder
		}
	}
	if obj.Status == "" {
		obj.Status = ObjectAvailable
	}
	f.objects[obj.URI] = obj
}

// SetJobStatus sets the raw status reported for jobID.
func (f *Fake) SetJobStatus(jobID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID] = status
}

// Requests returns every accepted copy job request in order.
func (f *Fake) Requests() []CopyJobRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]CopyJobRequest(nil), f.requests...)
}

// Staged maps staged source uris to their destinations.
func (f *Fake) Staged() map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.staged)
}

func (f *Fake) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *Fake) fail(op string) error {
	if f.Fail == nil {
		return nil
	}
	return f.Fail(op)
}

func (f *Fake) GetObject(ctx context.Context, uri string) (Object, error) {
	if err := f.fail("get_object"); err != nil {
		return Object{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[uri]
	if !ok {
		return Object{}, providerError("get object", 404, false, fmt.Errorf("%s not found", uri))
	}
	return obj, nil
}

func (f *Fake) ListFolder(ctx context.Context, uri string) ([]Object, error) {
	if err := f.fail("list_folder"); err != nil {
		return nil, err
	}
	prefix := uri
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Object
	for key, obj := range f.objects {
		if key == prefix || !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimSuffix(strings.TrimPrefix(key, prefix), "/")
		if strings.Contains(rest, "/") {
			continue
		}
		out = append(out, obj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out, nil
}

func (f *Fake) DeleteObject(ctx context.Context, uri string) error {
	if err := f.fail("delete_object"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, uri)
	f.deleted = append(f.deleted, uri)
	return nil
}

func (f *Fake) StageObject(ctx context.Context, src Object, destinationURI string) error {
	if err := f.fail("stage_object"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staged[src.URI] = destinationURI
	dst := src
	dst.URI = destinationURI
	dst.Name = baseName(destinationURI)
	f.objects[destinationURI] = dst
	return nil
}

func (f *Fake) StartCopyJob(ctx context.Context, req CopyJobRequest) (string, error) {
	if err := f.fail("start_copy_job"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextJob++
	id := fmt.Sprintf("J%d", f.nextJob)
	f.jobs[id] = JobInitialized
	f.requests = append(f.requests, CopyJobRequest{
		SourceURIs:     append([]string(nil), req.SourceURIs...),
		DestinationURI: req.DestinationURI,
	})
	return id, nil
}

func (f *Fake) GetJobStatus(ctx context.Context, jobID string) (string, error) {
	if err := f.fail("get_job_status"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.jobs[jobID]
	if !ok {
		return "", datacopy.NewError(datacopy.ErrProviderFailed, "unknown copy job", nil, map[string]any{
			"job_id": jobID,
		})
	}
	return status, nil
}

func (f *Fake) MoveObject(ctx context.Context, src Object, targetURI string) error {
	if err := f.fail("move_object"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[src.URI]
	if !ok {
		return providerError("move object", 404, false, fmt.Errorf("%s not found", src.URI))
	}
	delete(f.objects, src.URI)
	obj.URI = targetURI
	obj.Name = baseName(targetURI)
	f.objects[targetURI] = obj
	f.moved[src.URI] = targetURI
	return nil
}

func (f *Fake) GetExternalObject(ctx context.Context, uri string) (Object, error) {
	if err := f.fail("get_external_object"); err != nil {
		return Object{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.external[uri]
	if !ok {
		return Object{}, providerError("get external object", 404, false, fmt.Errorf("%s not found", uri))
	}
	return obj, nil
}

func (f *Fake) UploadExternalObject(ctx context.Context, src Object, targetURI string) error {
	if err := f.fail("upload_external_object"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded[src.URI] = targetURI
	dst := src
	dst.URI = targetURI
	dst.Name = baseName(targetURI)
	f.objects[targetURI] = dst
	return nil
}

func baseName(uri string) string {
	trimmed := strings.TrimSuffix(uri, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}
