package serve

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/everydev1618/shopkeep"
)

// maxUploadSize bounds a translation table upload.
const maxUploadSize = 32 << 20

// --- Shop Handlers ---

func (s *Server) handleCreateShop(w http.ResponseWriter, r *http.Request) {
	if s.creates != nil && !s.creates.Allow() {
		w.Header().Set("Retry-After", "60")
		writeJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "too many shop creations, retry later"})
		return
	}

	var req shopkeep.ShopRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, shopkeep.NewError(shopkeep.ErrValidation, "decode request", "", err))
		return
	}
	if req.WPImage == "" {
		req.WPImage = s.cfg.WPImage
	}
	if req.MySQLImage == "" {
		req.MySQLImage = s.cfg.MySQLImage
	}

	// Provisioning outlives a dropped client connection: the attempt either
	// reaches READY or rolls back, never stops halfway.
	ctx := s.baseCtx
	res, err := s.prov.CreateShop(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListShops(w http.ResponseWriter, r *http.Request) {
	shops, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if shops == nil {
		shops = []shopkeep.ShopRecord{}
	}
	writeJSON(w, http.StatusOK, shops)
}

func (s *Server) handleGetShop(w http.ResponseWriter, r *http.Request) {
	site := r.PathValue("site_name")
	rec, err := s.store.Get(r.Context(), site)
	if err != nil {
		writeError(w, err)
		return
	}
	trs, err := s.store.Transitions(r.Context(), site, rec.Attempt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ShopDetailResponse{ShopRecord: rec, Transitions: trs})
}

func (s *Server) handleReapplyRewrites(w http.ResponseWriter, r *http.Request) {
	site := r.PathValue("site_name")
	changed, err := s.prov.Reapply(r.Context(), site)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, RewriteResponse{SiteName: site, Changed: changed})
}

// --- Translation Handlers ---

func (s *Server) handleDownloadCSV(w http.ResponseWriter, r *http.Request) {
	storeName := r.PathValue("store_name")
	exp, err := s.trans.Export(r.Context(), storeName, r.URL.Query().Get("locale"))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s-%s.csv"`, exp.StoreName, exp.Locale))
	w.WriteHeader(http.StatusOK)
	if err := exp.WriteCSV(w); err != nil {
		s.logger.Error("write export", "store", storeName, "error", err)
	}
}

func (s *Server) handleUploadCSV(w http.ResponseWriter, r *http.Request) {
	storeName := r.PathValue("store_name")
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, shopkeep.NewError(shopkeep.ErrValidation, "upload", storeName,
			fmt.Errorf("multipart field \"file\": %w", err)))
		return
	}
	defer file.Close()

	res, err := s.trans.Import(r.Context(), storeName, r.URL.Query().Get("locale"), file)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		StartedAt: s.startedAt,
		Uptime:    time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// --- Helpers ---

// statusFor maps an error kind to its HTTP status.
func statusFor(err error) int {
	switch shopkeep.KindOf(err) {
	case shopkeep.ErrValidation:
		return http.StatusBadRequest
	case shopkeep.ErrConflict, shopkeep.ErrResourceConflict:
		return http.StatusConflict
	case shopkeep.ErrNotFound:
		return http.StatusNotFound
	case shopkeep.ErrExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{
		Error:   err.Error(),
		Details: shopkeep.DetailsOf(err),
	}
	if kind := shopkeep.KindOf(err); kind != nil {
		resp.Kind = kind.Error()
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeJSON(w, http.StatusRequestEntityTooLarge, resp)
		return
	}
	writeJSON(w, statusFor(err), resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
