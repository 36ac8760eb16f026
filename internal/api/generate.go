package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/honam867/tasty-banana-v2-sub001/internal/auth"
	"github.com/honam867/tasty-banana-v2-sub001/internal/catalog"
	"github.com/honam867/tasty-banana-v2-sub001/internal/generation"
	"github.com/honam867/tasty-banana-v2-sub001/internal/provider"
	"github.com/honam867/tasty-banana-v2-sub001/internal/queue"
	"github.com/honam867/tasty-banana-v2-sub001/internal/realtime"
	"github.com/honam867/tasty-banana-v2-sub001/internal/storage"
	"github.com/honam867/tasty-banana-v2-sub001/internal/worker"
)

const (
	maxUploadBytes     = 10 << 20
	maxReferenceImages = 5
)

var allowedImageMimes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
}

type textToImageRequest struct {
	Prompt           string `json:"prompt" validate:"required,min=5,max=4000"`
	NegativePrompt   string `json:"negativePrompt" validate:"omitempty,max=2000"`
	NumberOfImages   int    `json:"numberOfImages" validate:"omitempty,min=1,max=4"`
	AspectRatio      string `json:"aspectRatio" validate:"omitempty,oneof=1:1 16:9 9:16 4:3 3:4"`
	ProjectID        string `json:"projectId" validate:"omitempty,uuid"`
	PromptTemplateID string `json:"promptTemplateId" validate:"omitempty,uuid"`
}

type imageInput struct {
	ImageID  string `json:"imageId" validate:"omitempty,uuid"`
	ImageURL string `json:"imageUrl" validate:"omitempty,url"`
}

type imageReferenceRequest struct {
	textToImageRequest
	Image            imageInput `json:"image"`
	ReferenceImageID string     `json:"referenceImageId" validate:"omitempty,uuid"`
	ReferenceType    string     `json:"referenceType" validate:"omitempty,oneof=subject face full_image"`
}

type multiReferenceRequest struct {
	textToImageRequest
	Images        []imageInput `json:"images" validate:"omitempty,max=5,dive"`
	TargetImageID string       `json:"targetImageId" validate:"omitempty,uuid"`
}

// eventNames tells the client which socket events to subscribe to for the
// accepted job.
type eventNames struct {
	Progress  string `json:"progress"`
	Completed string `json:"completed"`
	Failed    string `json:"failed"`
}

// acceptedResponse is the 202 contract of the intake endpoints.
type acceptedResponse struct {
	Success         bool       `json:"success"`
	JobID           string     `json:"jobId"`
	GenerationID    string     `json:"generationId"`
	Status          string     `json:"status"`
	WebsocketEvents eventNames `json:"websocketEvents"`
	StatusEndpoint  string     `json:"statusEndpoint"`
}

func websocketEvents() eventNames {
	return eventNames{
		Progress:  realtime.EventGenerationProgress,
		Completed: realtime.EventGenerationCompleted,
		Failed:    realtime.EventGenerationFailed,
	}
}

// validationDetails flattens validator errors into field/rule pairs.
func validationDetails(err error) any {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	details := make([]map[string]string, 0, len(verrs))
	for _, fe := range verrs {
		details = append(details, map[string]string{
			"field": fe.Field(),
			"rule":  fe.Tag(),
		})
	}
	return details
}

func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request) {
	ops, err := s.catalog.ListActiveOperationTypes(r.Context())
	if err != nil {
		respondFromError(w, s.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "operations": ops})
}

func (s *Server) handleTextToImage(w http.ResponseWriter, r *http.Request) {
	var req textToImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed_body", "request body must be JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondValidation(w, validationDetails(err))
		return
	}
	s.acceptGeneration(w, r, catalog.OpTextToImage, req, generation.CreateParams{}, nil)
}

func (s *Server) handleImageReference(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFrom(r.Context())

	req, file, header, err := s.decodeImageReference(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "malformed_body", err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondValidation(w, validationDetails(err))
		return
	}
	if req.Image.ImageID == "" && req.ReferenceImageID != "" {
		req.Image.ImageID = req.ReferenceImageID
	}

	upload, fresh, err := s.resolveImageInput(r, userID, req.Image, file, header, storage.PurposeReference)
	if err != nil {
		respondFromError(w, s.logger, err)
		return
	}
	var cleanup []*storage.Upload
	if fresh {
		cleanup = append(cleanup, upload)
	}

	s.acceptGeneration(w, r, catalog.OpImageReference, req.textToImageRequest, generation.CreateParams{
		ReferenceImageID: upload.ID,
		ReferenceType:    req.ReferenceType,
	}, cleanup)
}

func (s *Server) handleImageMultipleReference(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserIDFrom(r.Context())

	req, form, err := s.decodeMultiReference(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "malformed_body", err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondValidation(w, validationDetails(err))
		return
	}
	refCount := len(req.Images) + len(form.refHeaders)
	if refCount == 0 {
		respondValidation(w, []map[string]string{{"field": "images", "rule": "required"}})
		return
	}
	if refCount > maxReferenceImages {
		respondValidation(w, []map[string]string{{"field": "images", "rule": fmt.Sprintf("max=%d", maxReferenceImages)}})
		return
	}
	if req.TargetImageID == "" && form.targetHeader == nil {
		respondValidation(w, []map[string]string{{"field": "targetImageId", "rule": "required"}})
		return
	}

	var referenceIDs []string
	var cleanup []*storage.Upload
	fail := func(err error) {
		s.removeUploads(r, cleanup)
		respondFromError(w, s.logger, err)
	}

	targetID := req.TargetImageID
	if form.targetHeader != nil {
		upload, _, err := s.resolveImageInput(r, userID, imageInput{}, form.targetFile, form.targetHeader, storage.PurposeInit)
		if err != nil {
			fail(err)
			return
		}
		cleanup = append(cleanup, upload)
		targetID = upload.ID
	} else if _, err := s.store.Uploads().GetOwned(r.Context(), targetID, userID); err != nil {
		fail(err)
		return
	}

	for i, header := range form.refHeaders {
		upload, _, err := s.resolveImageInput(r, userID, imageInput{}, form.refFiles[i], header, storage.PurposeReference)
		if err != nil {
			fail(err)
			return
		}
		cleanup = append(cleanup, upload)
		referenceIDs = append(referenceIDs, upload.ID)
	}
	for _, in := range req.Images {
		upload, fresh, err := s.resolveImageInput(r, userID, in, nil, nil, storage.PurposeReference)
		if err != nil {
			fail(err)
			return
		}
		if fresh {
			cleanup = append(cleanup, upload)
		}
		referenceIDs = append(referenceIDs, upload.ID)
	}

	s.acceptGeneration(w, r, catalog.OpImageMultipleReference, req.textToImageRequest, generation.CreateParams{
		TargetImageID: targetID,
		ReferenceIDs:  referenceIDs,
	}, cleanup)
}

// acceptGeneration is the shared tail of every intake endpoint: resolve the
// operation type, persist the pending row, and enqueue the job. The worker
// owns the affordability check, so an underfunded request is still accepted
// and fails asynchronously. Freshly created uploads are removed if anything
// past their creation fails.
func (s *Server) acceptGeneration(w http.ResponseWriter, r *http.Request, opName string, req textToImageRequest, p generation.CreateParams, cleanup []*storage.Upload) {
	ctx := r.Context()
	userID := auth.UserIDFrom(ctx)

	fail := func(err error) {
		s.removeUploads(r, cleanup)
		respondFromError(w, s.logger, err)
	}

	if s.limiter != nil && !s.limiter.Allow(userID, time.Now()) {
		fail(provider.ErrRateLimited)
		return
	}

	op, err := s.catalog.GetOperationType(ctx, opName)
	if err != nil {
		fail(err)
		return
	}
	n := req.NumberOfImages
	if n < 1 {
		n = 1
	}

	p.UserID = userID
	p.OperationTypeID = op.ID
	p.Prompt = req.Prompt
	p.NegativePrompt = req.NegativePrompt
	p.ProjectID = req.ProjectID
	p.PromptTemplateID = req.PromptTemplateID
	p.Metadata = generation.Metadata{
		Prompt:           req.Prompt,
		OriginalPrompt:   req.Prompt,
		NumberOfImages:   n,
		AspectRatio:      req.AspectRatio,
		ProjectID:        req.ProjectID,
		PromptTemplateID: req.PromptTemplateID,
		ReferenceType:    p.ReferenceType,
		TargetImageID:    p.TargetImageID,
		ReferenceIDs:     p.ReferenceIDs,
	}

	g, err := s.repo.Create(ctx, p)
	if err != nil {
		fail(err)
		return
	}

	jobID, err := s.queue.Enqueue(ctx, queue.JobGenerate, worker.Payload{
		GenerationID: g.ID,
		UserID:       userID,
	}, queue.Options{JobID: g.ID})
	if err != nil {
		s.removeUploads(r, cleanup)
		if markErr := s.repo.MarkFailed(ctx, g.ID, "failed to enqueue job"); markErr != nil {
			s.logger.Error("Failed to mark unenqueued generation failed",
				"generationId", g.ID, "error", markErr)
		}
		respondFromError(w, s.logger, err)
		return
	}

	s.logger.Info("Accepted generation request", "generationId", g.ID,
		"userId", userID, "operation", opName, "numberOfImages", n)
	respondJSON(w, http.StatusAccepted, acceptedResponse{
		Success:         true,
		JobID:           jobID,
		GenerationID:    g.ID,
		Status:          generation.StatusPending,
		WebsocketEvents: websocketEvents(),
		StatusEndpoint:  "/api/generate/queue/" + g.ID,
	})
}

// decodeImageReference accepts either a JSON body or a multipart form with
// an "image" file part.
func (s *Server) decodeImageReference(r *http.Request) (imageReferenceRequest, multipart.File, *multipart.FileHeader, error) {
	var req imageReferenceRequest
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, nil, nil, errors.New("request body must be JSON or multipart form data")
		}
		return req, nil, nil, nil
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return req, nil, nil, errors.New("failed to parse multipart form")
	}
	req.textToImageRequest = formFields(r)
	req.ReferenceType = r.FormValue("referenceType")
	req.Image = imageInput{ImageID: r.FormValue("imageId"), ImageURL: r.FormValue("imageUrl")}

	file, header, err := r.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return req, nil, nil, nil
	}
	if err != nil {
		return req, nil, nil, errors.New("failed to read image file")
	}
	return req, file, header, nil
}

// multiReferenceForm carries the file parts of a multipart submission: the
// single target plus reference images.
type multiReferenceForm struct {
	targetFile   multipart.File
	targetHeader *multipart.FileHeader
	refFiles     []multipart.File
	refHeaders   []*multipart.FileHeader
}

func (s *Server) decodeMultiReference(r *http.Request) (multiReferenceRequest, multiReferenceForm, error) {
	var req multiReferenceRequest
	var form multiReferenceForm
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, form, errors.New("request body must be JSON or multipart form data")
		}
		return req, form, nil
	}

	if err := r.ParseMultipartForm(maxUploadBytes * (maxReferenceImages + 1)); err != nil {
		return req, form, errors.New("failed to parse multipart form")
	}
	req.textToImageRequest = formFields(r)
	req.TargetImageID = r.FormValue("targetImageId")

	if r.MultipartForm != nil {
		if targets := r.MultipartForm.File["targetImage"]; len(targets) > 0 {
			file, err := targets[0].Open()
			if err != nil {
				return req, form, errors.New("failed to read target file")
			}
			form.targetFile = file
			form.targetHeader = targets[0]
		}
		for _, header := range r.MultipartForm.File["referenceImages"] {
			file, err := header.Open()
			if err != nil {
				return req, form, errors.New("failed to read image file")
			}
			form.refFiles = append(form.refFiles, file)
			form.refHeaders = append(form.refHeaders, header)
		}
	}
	return req, form, nil
}

func formFields(r *http.Request) textToImageRequest {
	req := textToImageRequest{
		Prompt:           r.FormValue("prompt"),
		NegativePrompt:   r.FormValue("negativePrompt"),
		AspectRatio:      r.FormValue("aspectRatio"),
		ProjectID:        r.FormValue("projectId"),
		PromptTemplateID: r.FormValue("promptTemplateId"),
	}
	if v := r.FormValue("numberOfImages"); v != "" {
		req.NumberOfImages, _ = strconv.Atoi(v)
	}
	return req
}

// resolveImageInput normalizes the three accepted image forms into an owned
// Upload row: a multipart file (stored fresh), an existing upload id
// (ownership-checked), or a fetchable URL on the allowed storage host
// (stored fresh). The second return reports whether this request created
// the row.
func (s *Server) resolveImageInput(r *http.Request, userID string, in imageInput, file multipart.File, header *multipart.FileHeader, purpose string) (*storage.Upload, bool, error) {
	ctx := r.Context()
	switch {
	case header != nil:
		defer file.Close()
		if header.Size > maxUploadBytes {
			return nil, false, fmt.Errorf("%w: file exceeds %d bytes", storage.ErrNotAllowed, maxUploadBytes)
		}
		data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
		if err != nil {
			return nil, false, fmt.Errorf("failed to read uploaded file: %w", err)
		}
		mime := header.Header.Get("Content-Type")
		if mime == "" {
			mime = http.DetectContentType(data)
		}
		if !allowedImageMimes[mime] {
			return nil, false, fmt.Errorf("%w: unsupported image type %s", storage.ErrNotAllowed, mime)
		}
		upload, err := s.store.Put(ctx, nil, storage.PutParams{
			UserID:   userID,
			Purpose:  purpose,
			Filename: header.Filename,
			MimeType: mime,
			Data:     data,
		})
		return upload, true, err

	case in.ImageID != "":
		upload, err := s.store.Uploads().GetOwned(ctx, in.ImageID, userID)
		return upload, false, err

	case in.ImageURL != "":
		data, err := s.store.Fetch(ctx, in.ImageURL)
		if err != nil {
			return nil, false, err
		}
		mime := http.DetectContentType(data)
		if !allowedImageMimes[mime] {
			return nil, false, fmt.Errorf("%w: unsupported image type %s", storage.ErrNotAllowed, mime)
		}
		upload, err := s.store.Put(ctx, nil, storage.PutParams{
			UserID:   userID,
			Purpose:  purpose,
			Filename: in.ImageURL,
			MimeType: mime,
			Data:     data,
		})
		return upload, true, err
	}
	return nil, false, fmt.Errorf("%w: an image file, imageId, or imageUrl is required", storage.ErrNotAllowed)
}

// removeUploads deletes uploads created during a request that did not reach
// acceptance.
func (s *Server) removeUploads(r *http.Request, uploads []*storage.Upload) {
	for _, u := range uploads {
		if err := s.store.Remove(r.Context(), u); err != nil {
			s.logger.Error("Failed to clean up upload", "uploadId", u.ID, "error", err)
		}
	}
}
