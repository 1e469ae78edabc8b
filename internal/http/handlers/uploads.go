package handlers

import (
	"net/http"
)

type uploadResponse struct {
	Hash string `json:"hash"`
	Key  string `json:"key"`
	Size int    `json:"size"`
}

// Upload stores an image ahead of time so JSON submissions can reference it
// by key instead of re-sending the bytes with every request.
func (a *App) Upload(w http.ResponseWriter, r *http.Request) {
	hash, key, err := a.readUploadPart(r, "file")
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if key == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "file part required")
		return
	}
	data, err := a.Files.ReadAll(r.Context(), key)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to store upload")
		return
	}
	a.json(w, http.StatusCreated, uploadResponse{Hash: hash, Key: key, Size: len(data)})
}
