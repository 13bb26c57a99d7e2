// Package origin is the server side of the upload protocol: it validates upload
// requests against file routes, issues presigned descriptors, records completions and
// handles failure reports.
package origin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/bitrise-io/go-uploadkit/protocol"
	"github.com/bitrise-io/go-uploadkit/route"
	"github.com/bitrise-io/go-uploadkit/signature"
	"github.com/bitrise-io/go-uploadkit/upload/plan"
	"github.com/bitrise-io/go-uploadkit/uploaderror"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
)

const maxRequestSize = 1024 * 1024

// Middleware authorizes an upload request and returns metadata handed to the
// completion hook of every file of the request.
type Middleware func(ctx context.Context, req *http.Request, files []protocol.FileDescriptor, input json.RawMessage) (any, error)

// CompleteHook runs once per stored file. Its result is returned to the client as server data.
type CompleteHook func(ctx context.Context, metadata json.RawMessage, file protocol.CallbackFile) (any, error)

// ErrorHook runs once per failure report.
type ErrorHook func(ctx context.Context, failure protocol.FailureRequest)

// Route is a named upload destination.
type Route struct {
	Config           route.Config
	Middleware       Middleware
	OnUploadComplete CompleteHook
	OnUploadError    ErrorHook
}

// Router maps route slugs to routes.
type Router map[string]Route

// Handler serves the upload endpoint.
type Handler struct {
	router         Router
	storage        Storage
	config         Config
	signer         signature.Signer
	files          *fileStore
	callbackClient *retryablehttp.Client
	logger         log.Logger
}

// NewHandler ...
func NewHandler(router Router, storage Storage, config Config, logger log.Logger) (*Handler, error) {
	if len(router) == 0 {
		return nil, errors.New("no routes configured")
	}
	if storage == nil {
		return nil, errors.New("no storage configured")
	}
	def := DefaultConfig()
	if config.ChunkSize <= 0 {
		config.ChunkSize = def.ChunkSize
	}
	if config.MultipartThreshold <= 0 {
		config.MultipartThreshold = def.MultipartThreshold
	}
	if config.PresignExpiry <= 0 {
		config.PresignExpiry = def.PresignExpiry
	}

	return &Handler{
		router:         router,
		storage:        storage,
		config:         config,
		signer:         signature.NewSigner([]byte(config.Secret)),
		files:          newFileStore(),
		callbackClient: newCallbackClient(logger),
		logger:         logger,
	}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(protocol.HeaderVersion, protocol.Version)

	switch r.Method {
	case http.MethodGet:
		h.permissions(w, r)
	case http.MethodPost:
		if r.Header.Get(protocol.HeaderHook) == protocol.HookCallback {
			h.callback(w, r)
			return
		}
		h.action(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		h.writeError(w, uploaderror.New(uploaderror.KindValidation, uploaderror.CodeBadRequest, fmt.Sprintf("method %s not allowed", r.Method)))
	}
}

func (h *Handler) permissions(w http.ResponseWriter, r *http.Request) {
	if slug := r.URL.Query().Get(protocol.QuerySlug); slug != "" {
		rt, ok := h.router[slug]
		if !ok {
			h.writeError(w, notFound(slug))
			return
		}
		perms, err := rt.Config.Permissions()
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, perms)
		return
	}

	all := map[string]map[route.FileType]route.ResolvedLimits{}
	for slug, rt := range h.router {
		perms, err := rt.Config.Permissions()
		if err != nil {
			h.writeError(w, err)
			return
		}
		all[slug] = perms
	}
	h.writeJSON(w, http.StatusOK, all)
}

func (h *Handler) action(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	action := protocol.ActionType(query.Get(protocol.QueryActionType))
	if !action.Valid() {
		h.writeError(w, uploaderror.Validation(uploaderror.CodeBadRequest, fmt.Sprintf("Invalid action type %q", action)))
		return
	}
	slug := query.Get(protocol.QuerySlug)
	rt, ok := h.router[slug]
	if !ok {
		h.writeError(w, notFound(slug))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		h.writeError(w, uploaderror.Validation(uploaderror.CodeBadRequest, "Failed to read request body").WithCause(err))
		return
	}
	h.logger.Debugf("%s %s: %s", action, slug, string(body))

	var resp any
	switch action {
	case protocol.ActionUpload:
		resp, err = h.upload(r, slug, rt, body)
	case protocol.ActionMultipartComplete:
		resp, err = h.completeMultipart(r.Context(), rt, body)
	case protocol.ActionFailure:
		resp, err = h.failure(r.Context(), rt, body)
	case protocol.ActionPoll:
		resp, err = h.poll(body)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) upload(r *http.Request, slug string, rt Route, body []byte) ([]protocol.PresignedDescriptor, error) {
	var req protocol.UploadRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if err := rt.Config.Validate(req.Files); err != nil {
		return nil, err
	}

	var metadata json.RawMessage
	if rt.Middleware != nil {
		meta, err := rt.Middleware(r.Context(), r, req.Files, req.Input)
		if err != nil {
			return nil, middlewareError(err)
		}
		if meta != nil {
			if metadata, err = json.Marshal(meta); err != nil {
				return nil, uploaderror.New(uploaderror.KindValidation, uploaderror.CodeInternalServer, "Failed to encode metadata").WithCause(err)
			}
		}
	}

	descriptors := make([]protocol.PresignedDescriptor, 0, len(req.Files))
	for _, file := range req.Files {
		d, err := h.presign(r.Context(), file)
		if err != nil {
			return nil, err
		}
		h.files.put(fileRecord{
			slug:     slug,
			key:      d.Key,
			file:     file,
			uploadID: uploadID(d),
			metadata: metadata,
		})
		descriptors = append(descriptors, d)
	}

	h.logger.Infof("Issued %d presigned descriptor(s) for %s", len(descriptors), slug)
	return descriptors, nil
}

func (h *Handler) presign(ctx context.Context, file protocol.FileDescriptor) (protocol.PresignedDescriptor, error) {
	key := uuid.NewString() + path.Ext(file.Name)
	obj := ObjectRequest{
		Key:         key,
		FileName:    file.Name,
		ContentType: file.Type,
		Size:        file.Size,
		Expires:     h.config.PresignExpiry,
	}
	d := protocol.PresignedDescriptor{
		Key:      key,
		FileName: file.Name,
		FileType: file.Type,
		FileURL:  h.storage.FileURL(key),
		CustomID: file.CustomID,
	}

	switch plan.ChooseStrategy(file.Size, h.config.MultipartThreshold) {
	case plan.SinglePost:
		post, err := h.storage.PresignPost(ctx, obj)
		if err != nil {
			return d, urlGenerationFailed(file.Name, err)
		}
		d.Post = &post
	case plan.Multipart:
		mp, err := h.storage.CreateMultipart(ctx, MultipartRequest{
			ObjectRequest: obj,
			ChunkSize:     h.config.ChunkSize,
			Parts:         plan.PartCount(file.Size, h.config.ChunkSize),
		})
		if err != nil {
			return d, urlGenerationFailed(file.Name, err)
		}
		d.Multipart = &mp
	}
	return d, nil
}

func (h *Handler) completeMultipart(ctx context.Context, rt Route, body []byte) (protocol.SuccessResponse, error) {
	var req protocol.MultipartCompleteRequest
	if err := decode(body, &req); err != nil {
		return protocol.SuccessResponse{}, err
	}
	record, ok := h.files.get(req.FileKey)
	if !ok {
		return protocol.SuccessResponse{}, fileNotFound(req.FileKey)
	}

	parts := append([]protocol.PartResult(nil), req.Etags...)
	protocol.SortParts(parts)
	if err := h.storage.CompleteMultipart(ctx, req.FileKey, req.UploadID, parts); err != nil {
		return protocol.SuccessResponse{}, uploaderror.Newf(uploaderror.KindStorageFailure, uploaderror.CodeUploadFailed,
			"Failed to complete multipart upload of %s", record.file.Name).WithCause(err)
	}

	if err := h.complete(ctx, rt, record); err != nil {
		return protocol.SuccessResponse{}, err
	}
	return protocol.SuccessResponse{Success: true}, nil
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize))
	if err != nil {
		h.writeError(w, uploaderror.Validation(uploaderror.CodeBadRequest, "Failed to read request body").WithCause(err))
		return
	}
	if !h.signer.VerifyRequest(r, body) {
		h.logger.Warnf("Rejected storage callback with invalid signature")
		h.writeError(w, uploaderror.Validation(uploaderror.CodeForbidden, "Invalid signature"))
		return
	}

	var payload protocol.CallbackPayload
	if err := decode(body, &payload); err != nil {
		h.writeError(w, err)
		return
	}
	record, ok := h.files.get(payload.File.Key)
	if !ok {
		h.writeError(w, fileNotFound(payload.File.Key))
		return
	}
	if err := h.complete(r.Context(), h.router[record.slug], record); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, protocol.SuccessResponse{Success: true})
}

// complete runs the completion hook of a stored file once.
func (h *Handler) complete(ctx context.Context, rt Route, record fileRecord) error {
	if !h.files.claim(record.key, fileCompleting) {
		return nil
	}

	file := protocol.CallbackFile{
		Key:      record.key,
		Name:     record.file.Name,
		Size:     record.file.Size,
		URL:      h.storage.FileURL(record.key),
		CustomID: record.file.CustomID,
	}

	var serverData json.RawMessage
	if rt.OnUploadComplete != nil {
		data, err := rt.OnUploadComplete(ctx, record.metadata, file)
		if err != nil {
			h.files.release(record.key)
			return uploaderror.Newf(uploaderror.KindReporting, uploaderror.CodeInternalServer,
				"Upload complete hook of %s failed", record.file.Name).WithCause(err)
		}
		if data != nil {
			if serverData, err = json.Marshal(data); err != nil {
				h.files.release(record.key)
				return uploaderror.New(uploaderror.KindReporting, uploaderror.CodeInternalServer, "Failed to encode server data").WithCause(err)
			}
		}
	}

	h.files.finish(record.key, serverData)
	h.logger.Donef("Upload of %s completed: %s", record.file.Name, file.URL)
	return nil
}

func (h *Handler) failure(ctx context.Context, rt Route, body []byte) (protocol.SuccessResponse, error) {
	var req protocol.FailureRequest
	if err := decode(body, &req); err != nil {
		return protocol.SuccessResponse{}, err
	}
	if _, ok := h.files.get(req.FileKey); !ok {
		return protocol.SuccessResponse{}, fileNotFound(req.FileKey)
	}
	switch {
	case h.files.claim(req.FileKey, fileFailed):
		h.logger.Errorf("Upload of %s (%s) failed", req.FileName, req.FileKey)
		if rt.OnUploadError != nil {
			rt.OnUploadError(ctx, req)
		}
	case h.files.retryCleanup(req.FileKey):
		h.logger.Warnf("Retrying failure cleanup of %s", req.FileKey)
	default:
		h.logger.Warnf("Ignoring failure report of settled file %s", req.FileKey)
		return protocol.SuccessResponse{Success: true}, nil
	}

	err := h.cleanupFailure(ctx, req)
	h.files.cleaned(req.FileKey, err)
	if err != nil {
		return protocol.SuccessResponse{}, err
	}
	return protocol.SuccessResponse{Success: true}, nil
}

// cleanupFailure hands a failed upload to the failure callback, or aborts its
// multipart upload when there is no callback.
func (h *Handler) cleanupFailure(ctx context.Context, req protocol.FailureRequest) error {
	if h.config.FailureCallbackURL != "" {
		return h.notifyFailure(ctx, protocol.FailureCallback{FileKey: req.FileKey, UploadID: req.UploadID})
	}
	if req.UploadID == nil {
		return nil
	}
	if err := h.storage.AbortMultipart(ctx, req.FileKey, *req.UploadID); err != nil {
		return uploaderror.Newf(uploaderror.KindStorageFailure, uploaderror.CodeInternalServer,
			"Failed to abort multipart upload of %s", req.FileName).WithCause(err)
	}
	return nil
}

func (h *Handler) poll(body []byte) (protocol.PollResponse, error) {
	var req protocol.PollRequest
	if err := decode(body, &req); err != nil {
		return protocol.PollResponse{}, err
	}
	record, ok := h.files.get(req.FileKey)
	if !ok {
		return protocol.PollResponse{}, fileNotFound(req.FileKey)
	}

	switch record.state {
	case fileDone:
		return protocol.PollResponse{Status: protocol.PollStatusDone, ServerData: record.serverData}, nil
	case fileFailed:
		return protocol.PollResponse{}, uploaderror.Newf(uploaderror.KindStorageFailure, uploaderror.CodeUploadFailed,
			"Upload of %s failed", record.file.Name)
	default:
		return protocol.PollResponse{Status: protocol.PollStatusWaiting}, nil
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warnf("Failed to write response: %s", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var uerr *uploaderror.Error
	if !errors.As(err, &uerr) {
		uerr = uploaderror.New(uploaderror.KindUnknown, uploaderror.CodeInternalServer, "Internal server error").WithCause(err)
	}
	status := uploaderror.StatusFromCode(uerr.Code)
	if status >= http.StatusInternalServerError {
		h.logger.Errorf("%s: %s", uerr.Message, err)
	}
	h.writeJSON(w, status, uerr.Body())
}

func decode(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return uploaderror.Validation(uploaderror.CodeBadRequest, fmt.Sprintf("Invalid request body: %s", err)).WithCause(err)
	}
	return nil
}

func middlewareError(err error) error {
	var uerr *uploaderror.Error
	if errors.As(err, &uerr) {
		return uerr
	}
	return uploaderror.New(uploaderror.KindValidation, uploaderror.CodeInternalServer, "Failed to run middleware").WithCause(err)
}

func notFound(slug string) error {
	return uploaderror.Validation(uploaderror.CodeNotFound, fmt.Sprintf("No file route found for slug %s", slug))
}

func fileNotFound(key string) error {
	return uploaderror.Validation(uploaderror.CodeNotFound, fmt.Sprintf("No upload found for key %s", key))
}

func urlGenerationFailed(name string, err error) error {
	return uploaderror.Newf(uploaderror.KindStorageFailure, uploaderror.CodeURLGenerationFailed,
		"Failed to generate presigned URL for %s", name).WithCause(err)
}

func uploadID(d protocol.PresignedDescriptor) *string {
	if d.Multipart == nil {
		return nil
	}
	id := d.Multipart.UploadID
	return &id
}
