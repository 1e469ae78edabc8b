package handlers

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"server/internal/batch"
	"server/internal/domain"
	"server/internal/fingerprint"
	"server/internal/registry"
	"server/internal/storage"
)

const maxUploadBytes = 10 << 20

type generateJSONRequest struct {
	Model          string  `json:"model"`
	Prompt         string  `json:"prompt"`
	NegativePrompt string  `json:"negative_prompt"`
	Duration       int     `json:"duration"`
	AspectRatio    string  `json:"aspect_ratio"`
	CFGScale       float64 `json:"cfg_scale"`
	ImageB64       string  `json:"image_b64"`
	TailImageB64   string  `json:"tail_image_b64"`
	ImageKey       string  `json:"image_key"`
	TailImageKey   string  `json:"tail_image_key"`
}

type generateResponse struct {
	JobID         string         `json:"job_id,omitempty"`
	Status        string         `json:"status"`
	Fingerprint   string         `json:"fingerprint"`
	Cached        bool           `json:"cached"`
	Result        *domain.Result `json:"result,omitempty"`
	EstimatedCost float64        `json:"estimated_cost,omitempty"`
}

type submission struct {
	req          domain.GenerateRequest
	imageKey     string
	tailImageKey string
}

// Generate admits a generation request: cache-hit submissions are answered
// inline, duplicates of an in-flight request attach to the existing job, and
// everything else is queued.
func (a *App) Generate(w http.ResponseWriter, r *http.Request) {
	sub, err := a.parseGenerate(r)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := sub.req.Validate(); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	fp, err := fingerprint.Build(sub.req)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	if entry, ok := a.Cache.Get(r.Context(), fp); ok {
		result := entry.Result
		a.json(w, http.StatusOK, generateResponse{
			Status:      string(domain.JobStatusCompleted),
			Fingerprint: fp,
			Cached:      true,
			Result:      &result,
		})
		return
	}

	job, created := a.Registry.Create(fp, sub.req.Model)
	if !created {
		a.json(w, http.StatusAccepted, generateResponse{
			JobID:       job.ID,
			Status:      string(job.Status),
			Fingerprint: fp,
		})
		return
	}

	err = a.Pool.Submit(batch.Item{
		JobID:        job.ID,
		Request:      sub.req,
		ImageKey:     sub.imageKey,
		TailImageKey: sub.tailImageKey,
	})
	if err != nil {
		// The record was never enqueued; retire it so the fingerprint can
		// be resubmitted.
		if _, terr := a.Registry.Transition(job.ID, domain.JobStatusCancelled, registry.Update{
			Message: "rejected: queue full",
		}); terr != nil {
			a.Logger.Error().Err(terr).Str("job_id", job.ID).Msg("http: failed to retire rejected job")
		}
		if errors.Is(err, domain.ErrBackpressure) {
			w.Header().Set("Retry-After", "5")
			a.error(w, http.StatusServiceUnavailable, "backpressure", "queue full, try again shortly")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to queue job")
		return
	}

	a.Logger.Info().
		Str("job_id", job.ID).
		Str("model", string(sub.req.Model)).
		Str("fingerprint", fp).
		Msg("http: job queued")
	a.json(w, http.StatusAccepted, generateResponse{
		JobID:         job.ID,
		Status:        string(job.Status),
		Fingerprint:   fp,
		EstimatedCost: sub.req.Model.EstimatedCost(sub.req.Duration),
	})
}

func (a *App) parseGenerate(r *http.Request) (submission, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "multipart/form-data" {
		return a.parseGenerateMultipart(r)
	}
	return a.parseGenerateJSON(r)
}

func (a *App) parseGenerateJSON(r *http.Request) (submission, error) {
	var body generateJSONRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxUploadBytes*2))
	if err := dec.Decode(&body); err != nil {
		return submission{}, fmt.Errorf("invalid payload")
	}
	sub := submission{req: domain.GenerateRequest{
		Model:          domain.Model(body.Model),
		Prompt:         body.Prompt,
		NegativePrompt: body.NegativePrompt,
		Duration:       body.Duration,
		AspectRatio:    body.AspectRatio,
		CFGScale:       body.CFGScale,
	}}
	if body.ImageKey != "" {
		hash, err := a.Files.ContentHash(r.Context(), body.ImageKey)
		if err != nil {
			return submission{}, fmt.Errorf("image_key does not reference a stored upload")
		}
		sub.req.ImageHash = hash
		sub.imageKey = body.ImageKey
	}
	if body.TailImageKey != "" {
		hash, err := a.Files.ContentHash(r.Context(), body.TailImageKey)
		if err != nil {
			return submission{}, fmt.Errorf("tail_image_key does not reference a stored upload")
		}
		sub.req.TailImageHash = hash
		sub.tailImageKey = body.TailImageKey
	}
	if body.ImageB64 != "" {
		data, err := base64.StdEncoding.DecodeString(body.ImageB64)
		if err != nil {
			return submission{}, fmt.Errorf("image_b64 is not valid base64")
		}
		hash, key, err := a.storeUpload(r, data, "")
		if err != nil {
			return submission{}, err
		}
		sub.req.ImageHash = hash
		sub.imageKey = key
	}
	if body.TailImageB64 != "" {
		data, err := base64.StdEncoding.DecodeString(body.TailImageB64)
		if err != nil {
			return submission{}, fmt.Errorf("tail_image_b64 is not valid base64")
		}
		hash, key, err := a.storeUpload(r, data, "")
		if err != nil {
			return submission{}, err
		}
		sub.req.TailImageHash = hash
		sub.tailImageKey = key
	}
	return sub, nil
}

func (a *App) parseGenerateMultipart(r *http.Request) (submission, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return submission{}, fmt.Errorf("invalid multipart payload")
	}
	duration, _ := strconv.Atoi(r.FormValue("duration"))
	cfgScale := 0.0
	if v := r.FormValue("cfg_scale"); v != "" {
		cfgScale, _ = strconv.ParseFloat(v, 64)
	}
	sub := submission{req: domain.GenerateRequest{
		Model:          domain.Model(r.FormValue("model")),
		Prompt:         r.FormValue("prompt"),
		NegativePrompt: r.FormValue("negative_prompt"),
		Duration:       duration,
		AspectRatio:    r.FormValue("aspect_ratio"),
		CFGScale:       cfgScale,
	}}

	if hash, key, err := a.readUploadPart(r, "image"); err != nil {
		return submission{}, err
	} else if key != "" {
		sub.req.ImageHash = hash
		sub.imageKey = key
	}
	if hash, key, err := a.readUploadPart(r, "tail_image"); err != nil {
		return submission{}, err
	} else if key != "" {
		sub.req.TailImageHash = hash
		sub.tailImageKey = key
	}
	return sub, nil
}

func (a *App) readUploadPart(r *http.Request, field string) (hash, key string, err error) {
	file, header, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("invalid %s upload", field)
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		return "", "", fmt.Errorf("failed to read %s upload", field)
	}
	if len(data) > maxUploadBytes {
		return "", "", fmt.Errorf("%s upload exceeds %d bytes", field, maxUploadBytes)
	}
	return a.storeUpload(r, data, path.Ext(header.Filename))
}

// storeUpload persists the bytes under a content-addressed key so repeated
// submissions of the same image share one file.
func (a *App) storeUpload(r *http.Request, data []byte, ext string) (hash, key string, err error) {
	if len(data) == 0 {
		return "", "", fmt.Errorf("empty image upload")
	}
	hash = storage.HashBytes(data)
	if ext == "" || strings.ContainsAny(ext, "/\\") {
		ext = ".bin"
	}
	key = "uploads/" + hash + ext
	if _, err := a.Files.Write(r.Context(), key, data); err != nil {
		a.Logger.Error().Err(err).Msg("http: upload write failed")
		return "", "", fmt.Errorf("failed to store upload")
	}
	return hash, key, nil
}
