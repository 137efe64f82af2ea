package workflow

import (
	"context"
	"encoding/json"
	"path"
	"strings"

	"github.com/go-playground/validator/v10"

	datacopy "github.com/goliatone/go-datacopy"
	"github.com/goliatone/go-datacopy/observability"
	"github.com/goliatone/go-datacopy/provider"
)

const RenameWorkflowName = "rename-file"

// RenameRequest renames one file of a finished copy. The source and
// destination fields repeat the copy request so the copied object can be
// located from InputFileURI.
type RenameRequest struct {
	SourceURIs         []string `json:"sourceUriList" validate:"omitempty,dive,required"`
	ExternalSourceURIs []string `json:"externalSourceUriList,omitempty" validate:"omitempty,dive,required"`
	DestinationURI     string   `json:"destinationUri" validate:"required,endswith=/"`
	InputFileURI       string   `json:"inputFileUri" validate:"required"`
	OutputFileName     string   `json:"outputFileName" validate:"required,excludesall=/"`
}

// RenameResult reports where the copied file ended up.
type RenameResult struct {
	InputURI  string `json:"inputUri"`
	OutputURI string `json:"outputUri"`
	Size      int64  `json:"fileSizeInBytes"`
	Skipped   bool   `json:"skipped,omitempty"`
}

// RenameWorkflow gives a copied file a new name next to where the copy
// placed it. Multipart objects are moved by the provider; single part
// objects are streamed to the new name and the old object removed.
type RenameWorkflow struct {
	machine  *Machine
	client   provider.Client
	validate *validator.Validate
	logger   datacopy.Logger
	obs      *observability.Provider
}

var _ Workflow = (*RenameWorkflow)(nil)

type RenameOption func(*RenameWorkflow)

func WithRenameLogger(logger datacopy.Logger) RenameOption {
	return func(w *RenameWorkflow) {
		w.logger = datacopy.NormalizeLogger(logger)
	}
}

func WithRenameObservability(obs *observability.Provider) RenameOption {
	return func(w *RenameWorkflow) {
		w.obs = obs
	}
}

func NewRenameWorkflow(client provider.Client, opts ...RenameOption) (*RenameWorkflow, error) {
	if client == nil {
		return nil, newError(datacopy.ErrValidation, "provider client required", nil, nil)
	}
	machine, err := Compile(RenameMachine())
	if err != nil {
		return nil, err
	}
	w := &RenameWorkflow{
		machine:  machine,
		client:   client,
		validate: newValidator(),
		logger:   datacopy.NewFmtLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w, nil
}

func (w *RenameWorkflow) Name() string      { return RenameWorkflowName }
func (w *RenameWorkflow) Machine() *Machine { return w.machine }

// Validate decodes and checks a rename request.
func (w *RenameWorkflow) Validate(input json.RawMessage) (RenameRequest, error) {
	var req RenameRequest
	if len(input) == 0 {
		return req, newError(datacopy.ErrValidation, "rename request required", nil, nil)
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return req, newError(datacopy.ErrValidation, "rename request is not valid json", err, nil)
	}
	req.DestinationURI = strings.TrimSpace(req.DestinationURI)
	req.InputFileURI = strings.TrimSpace(req.InputFileURI)
	req.OutputFileName = strings.TrimSpace(req.OutputFileName)
	for i, uri := range req.SourceURIs {
		req.SourceURIs[i] = strings.TrimSpace(uri)
	}
	for i, uri := range req.ExternalSourceURIs {
		req.ExternalSourceURIs[i] = strings.TrimSpace(uri)
	}
	if err := w.validate.Struct(req); err != nil {
		return req, newError(datacopy.ErrValidation, validationMessage("rename request", err), err, map[string]any{
			"input_file_uri": req.InputFileURI,
		})
	}
	if req.OutputFileName == "." || req.OutputFileName == ".." {
		return req, newError(datacopy.ErrValidation, "invalid rename request: outputFileName must be a plain file name", nil, map[string]any{
			"output_file_name": req.OutputFileName,
		})
	}
	return req, nil
}

func (w *RenameWorkflow) Run(ctx context.Context, run *Run, input json.RawMessage) error {
	req, err := w.Validate(input)
	if err != nil {
		return err
	}
	if err := run.Fire(ctx, EventValidated); err != nil {
		return err
	}

	copied, target, err := ResolveRename(req)
	if err != nil {
		return err
	}
	result := RenameResult{InputURI: copied, OutputURI: target}

	obj, err := w.client.GetObject(ctx, copied)
	if provider.IsNotFound(err) {
		// a rerun after the rename went through finds only the new name
		if done, derr := w.client.GetObject(ctx, target); derr == nil && !done.IsFolder() {
			result.Size = done.Size
			result.Skipped = true
			return run.Succeed(ctx, result)
		}
	}
	if err != nil {
		return err
	}
	if obj.IsFolder() {
		return newError(datacopy.ErrValidation, "only files can be renamed", nil, map[string]any{
			"input_uri": copied,
		})
	}
	result.Size = obj.Size
	if copied == target {
		result.Skipped = true
		return run.Succeed(ctx, result)
	}

	skip, err := provider.ClearDestination(ctx, w.client, target, obj.Size)
	if err != nil {
		return err
	}
	if skip {
		if err := w.client.DeleteObject(ctx, copied); err != nil {
			return err
		}
		result.Skipped = true
		run.Logger().Info("%s already renamed to %s", copied, target)
		return run.Succeed(ctx, result)
	}

	if err := run.Fire(ctx, EventResolved); err != nil {
		return err
	}
	if err := w.rename(ctx, obj, target); err != nil {
		return err
	}
	run.Logger().Info("renamed %s to %s", copied, target)
	return run.Succeed(ctx, result)
}

func (w *RenameWorkflow) rename(ctx context.Context, obj provider.Object, target string) error {
	if provider.IsMultipart(obj.ETag) {
		return w.client.MoveObject(ctx, obj, target)
	}
	if err := w.client.StageObject(ctx, obj, target); err != nil {
		return err
	}
	w.obs.Metrics().RecordStaged(ctx, obj.Size)
	return w.client.DeleteObject(ctx, obj.URI)
}

// ResolveRename maps the input file of req to the object the copy created
// and to its renamed uri in the same folder. A file listed directly as a
// source, or any external file, lands at the top of the destination. A
// file inside a source folder keeps its path below that folder's copy.
func ResolveRename(req RenameRequest) (copied, target string, err error) {
	input := req.InputFileURI
	for _, ext := range req.ExternalSourceURIs {
		if strings.HasPrefix(input, ext) {
			copied = provider.JoinURI(req.DestinationURI, path.Base(input))
			break
		}
	}
	if copied == "" {
		for _, src := range req.SourceURIs {
			if input == src {
				copied = provider.JoinURI(req.DestinationURI, path.Base(input))
				break
			}
			if strings.HasSuffix(src, "/") && strings.HasPrefix(input, src) && len(input) > len(src) {
				folder := path.Base(strings.TrimSuffix(src, "/"))
				copied = provider.JoinURI(req.DestinationURI, folder+"/"+strings.TrimPrefix(input, src))
				break
			}
		}
	}
	if copied == "" || strings.HasSuffix(copied, "/") {
		return "", "", newError(datacopy.ErrValidation, "inputFileUri is not a file of the copy sources", nil, map[string]any{
			"input_file_uri": input,
		})
	}
	target = copied[:strings.LastIndex(copied, "/")+1] + req.OutputFileName
	return copied, target, nil
}
