package composer

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cbg-ethz/sigcomposer/internal/common/composererrors"
	"github.com/cbg-ethz/sigcomposer/internal/common/logging"
	"github.com/cbg-ethz/sigcomposer/internal/jobqueue"
	"github.com/cbg-ethz/sigcomposer/internal/jobspec"
	"github.com/cbg-ethz/sigcomposer/internal/resultcache"
	"github.com/cbg-ethz/sigcomposer/internal/session"
	"github.com/cbg-ethz/sigcomposer/internal/signature"
	"github.com/cbg-ethz/sigcomposer/internal/upstream"
)

const maxSignatureDocumentSize = 1 << 20

type signatureView struct {
	Variant      string   `json:"variant"`
	Mutations    []string `json:"mutations"`
	MinAbundance float64  `json:"min_abundance"`
	MinCoverage  int      `json:"min_coverage"`
}

func toSignatureView(sig signature.VariantSignature) signatureView {
	mutations := make([]string, len(sig.Mutations))
	for i, m := range sig.Mutations {
		mutations[i] = m.String()
	}
	return signatureView{
		Variant:      sig.Variant,
		Mutations:    mutations,
		MinAbundance: sig.MinAbundance,
		MinCoverage:  sig.MinCoverage,
	}
}

type sessionView struct {
	Prefix     string                   `json:"prefix"`
	CreatedAt  time.Time                `json:"created_at"`
	Signatures map[string]signatureView `json:"signatures"`
	Jobs       []jobspec.Fingerprint    `json:"jobs"`
}

func toSessionView(info SessionInfo) sessionView {
	view := sessionView{
		Prefix:     info.Prefix,
		CreatedAt:  info.CreatedAt,
		Signatures: make(map[string]signatureView, len(info.Signatures)),
		Jobs:       info.Jobs,
	}
	if view.Jobs == nil {
		view.Jobs = []jobspec.Fingerprint{}
	}
	for name, sig := range info.Signatures {
		view.Signatures[name] = toSignatureView(sig)
	}
	return view
}

type jobView struct {
	Fingerprint   jobspec.Fingerprint       `json:"fingerprint"`
	Kind          jobspec.Kind              `json:"kind"`
	State         resultcache.JobState      `json:"state"`
	Progress      *resultcache.Progress     `json:"progress,omitempty"`
	Result        interface{}               `json:"result,omitempty"`
	Error         string                    `json:"error,omitempty"`
	FailureReason resultcache.FailureReason `json:"failure_reason,omitempty"`
	RetryCount    int                       `json:"retry_count"`
	SubmittedAt   time.Time                 `json:"submitted_at"`
	UpdatedAt     time.Time                 `json:"updated_at"`
}

// Results that are valid JSON are embedded as is, anything else is returned as a string.
func toJobView(status *jobqueue.JobStatus) jobView {
	view := jobView{
		Fingerprint:   status.Fingerprint,
		Kind:          status.Kind,
		State:         status.State,
		Progress:      status.Progress,
		FailureReason: status.FailureReason,
		RetryCount:    status.RetryCount,
		SubmittedAt:   status.SubmittedAt,
		UpdatedAt:     status.UpdatedAt,
	}
	if err := status.Err(); err != nil {
		view.Error = err.Error()
	}
	if len(status.Result) > 0 {
		if json.Valid(status.Result) {
			view.Result = json.RawMessage(status.Result)
		} else {
			view.Result = string(status.Result)
		}
	}
	return view
}

type variantRequest struct {
	Variant string `json:"variant"`
}

type mutationRequest struct {
	Mutation string `json:"mutation" binding:"required"`
}

type thresholdsRequest struct {
	MinAbundance *float64 `json:"min_abundance" binding:"required"`
	MinCoverage  *int     `json:"min_coverage" binding:"required"`
}

type copyRequest struct {
	Name string `json:"name" binding:"required"`
	From string `json:"from"`
}

type fetchRequest struct {
	Variant        string `json:"variant" binding:"required"`
	NucleotideOnly bool   `json:"nucleotide_only"`
}

type fetchResponse struct {
	Signature signatureView           `json:"signature"`
	Mutations []upstream.MutationStat `json:"mutations"`
}

type submitRequest struct {
	Kind         string            `json:"kind" binding:"required"`
	Signatures   []string          `json:"signatures"`
	Params       map[string]string `json:"params"`
	MinAbundance *float64          `json:"min_abundance"`
	MinCoverage  *int              `json:"min_coverage"`
}

type submitResponse struct {
	Fingerprint jobspec.Fingerprint  `json:"fingerprint"`
	State       resultcache.JobState `json:"state"`
	Created     bool                 `json:"created"`
}

// RegisterRoutes adds the composer API to router. The signature routes directly under a session
// work on its default signature, those under /signatures/:name on the named one.
func RegisterRoutes(router gin.IRouter, s *Service) {
	v1 := router.Group("/v1")

	sessions := v1.Group("/sessions/:session")
	sessions.POST("", openSession(s))
	sessions.GET("", openSession(s))
	sessions.DELETE("", closeSession(s))
	registerSignatureRoutes(sessions, s)
	sessions.POST("/signatures", copySignature(s))
	named := sessions.Group("/signatures/:name")
	named.GET("", getSignature(s))
	named.DELETE("", removeSignature(s))
	registerSignatureRoutes(named, s)
	sessions.POST("/jobs", submitJob(s))
	sessions.GET("/jobs", listJobs(s))

	v1.GET("/jobs/:fingerprint", getJob(s))
	v1.DELETE("/jobs/:fingerprint", forgetJob(s))
}

func registerSignatureRoutes(group gin.IRouter, s *Service) {
	group.GET("/signature", getSignature(s))
	group.GET("/signature.yaml", exportSignature(s))
	group.PUT("/signature.yaml", importSignature(s))
	group.PUT("/variant", setVariant(s))
	group.POST("/mutations", addMutation(s))
	group.DELETE("/mutations/:mutation", removeMutation(s))
	group.PUT("/thresholds", setThresholds(s))
	group.POST("/fetch", fetchMutations(s))
}

func signatureName(c *gin.Context) string {
	if name := c.Param("name"); name != "" {
		return name
	}
	return session.DefaultSignature
}

func openSession(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		info, err := s.OpenSession(c.Request.Context(), c.Param("session"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, toSessionView(info))
	}
}

func closeSession(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.CloseSession(c.Request.Context(), c.Param("session")); err != nil {
			abortWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func getSignature(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sig, err := s.Signature(c.Request.Context(), c.Param("session"), signatureName(c))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, toSignatureView(sig))
	}
}

// copySignature copies the default signature unless the request names another one.
func copySignature(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req copyRequest
		if !bind(c, &req) {
			return
		}
		from := req.From
		if from == "" {
			from = session.DefaultSignature
		}
		sig, err := s.CopySignature(c.Request.Context(), c.Param("session"), from, req.Name)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusCreated, toSignatureView(sig))
	}
}

func removeSignature(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.RemoveSignature(c.Request.Context(), c.Param("session"), signatureName(c)); err != nil {
			abortWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func exportSignature(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := s.ExportSignature(c.Request.Context(), c.Param("session"), signatureName(c))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.Header("Content-Disposition", `attachment; filename="signature.yaml"`)
		c.Data(http.StatusOK, "application/yaml", data)
	}
}

func importSignature(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSignatureDocumentSize))
		if err != nil {
			abortWithError(c, errors.WithStack(&composererrors.ErrInvalidArgument{Name: "body", Value: "", Message: err.Error()}))
			return
		}
		sig, err := s.ImportSignature(c.Request.Context(), c.Param("session"), signatureName(c), data)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, toSignatureView(sig))
	}
}

func setVariant(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req variantRequest
		if !bind(c, &req) {
			return
		}
		sig, err := s.SetVariant(c.Request.Context(), c.Param("session"), signatureName(c), req.Variant)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, toSignatureView(sig))
	}
}

func addMutation(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req mutationRequest
		if !bind(c, &req) {
			return
		}
		sig, err := s.AddMutation(c.Request.Context(), c.Param("session"), signatureName(c), req.Mutation)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, toSignatureView(sig))
	}
}

func removeMutation(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		sig, err := s.RemoveMutation(c.Request.Context(), c.Param("session"), signatureName(c), c.Param("mutation"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, toSignatureView(sig))
	}
}

func setThresholds(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req thresholdsRequest
		if !bind(c, &req) {
			return
		}
		sig, err := s.SetThresholds(c.Request.Context(), c.Param("session"), signatureName(c), *req.MinAbundance, *req.MinCoverage)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, toSignatureView(sig))
	}
}

func fetchMutations(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req fetchRequest
		if !bind(c, &req) {
			return
		}
		prefix := c.Param("session")
		stats, err := s.FetchMutations(c.Request.Context(), prefix, signatureName(c), req.Variant, req.NucleotideOnly)
		if err != nil {
			abortWithError(c, err)
			return
		}
		sig, err := s.Signature(c.Request.Context(), prefix, signatureName(c))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, fetchResponse{Signature: toSignatureView(sig), Mutations: stats})
	}
}

func submitJob(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req submitRequest
		if !bind(c, &req) {
			return
		}
		kind, err := jobspec.ParseKind(req.Kind)
		if err != nil {
			abortWithError(c, err)
			return
		}
		handle, created, err := s.SubmitJob(c.Request.Context(), c.Param("session"), JobRequest{
			Kind:         kind,
			Signatures:   req.Signatures,
			Params:       req.Params,
			MinAbundance: req.MinAbundance,
			MinCoverage:  req.MinCoverage,
		})
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, submitResponse{
			Fingerprint: handle.Fingerprint,
			State:       handle.State,
			Created:     created,
		})
	}
}

// listJobs takes an optional state query parameter to only list jobs in that state.
func listJobs(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var filter resultcache.JobState
		if q, ok := c.GetQuery("state"); ok {
			state, err := resultcache.ParseJobState(q)
			if err != nil {
				abortWithError(c, err)
				return
			}
			filter = state
		}
		statuses, err := s.SessionJobs(c.Request.Context(), c.Param("session"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		views := make([]jobView, 0, len(statuses))
		for _, status := range statuses {
			if filter != "" && status.State != filter {
				continue
			}
			views = append(views, toJobView(status))
		}
		c.JSON(http.StatusOK, views)
	}
}

func getJob(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		fingerprint, err := jobspec.ParseFingerprint(c.Param("fingerprint"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		status, err := s.JobStatus(c.Request.Context(), fingerprint)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, toJobView(status))
	}
}

func forgetJob(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		fingerprint, err := jobspec.ParseFingerprint(c.Param("fingerprint"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		if err := s.ForgetJob(c.Request.Context(), fingerprint); err != nil {
			abortWithError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		abortWithError(c, errors.WithStack(&composererrors.ErrInvalidArgument{
			Name:    "body",
			Value:   c.Request.URL.Path,
			Message: err.Error(),
		}))
		return false
	}
	return true
}

func abortWithError(c *gin.Context, err error) {
	status := composererrors.HttpStatusFromError(err)
	if status >= http.StatusInternalServerError {
		logging.WithStacktrace(log.WithField("path", c.FullPath()), err).Error("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
