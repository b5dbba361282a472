package commission

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/atelier/internal/auth"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *harness) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := newHarness(t)
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		// Test stand-in for the bearer token middleware.
		if id := c.GetHeader("X-User-ID"); id != "" {
			c.Set(auth.ContextKeyUserID, id)
		}
		c.Next()
	})
	NewHandler(h.svc).RegisterProtectedRoutes(v1)
	return r, h
}

func doJSON(t *testing.T, r *gin.Engine, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), into), w.Body.String())
}

func contractBody() gin.H {
	return gin.H{
		"artistId":    artistID,
		"description": "Character portrait",
		"flow":        "standard",
		"basePrice":   1_000_000,
		"deadline":    t0.Add(30 * day).Format(time.RFC3339),
		"revisionPolicy": gin.H{
			"type":          "limited",
			"freeRevisions": 1,
		},
		"policy": gin.H{
			"cancellationFee":    gin.H{"kind": "flat", "amount": 50_000},
			"latePenaltyPercent": 10,
		},
	}
}

func createViaAPI(t *testing.T, r *gin.Engine) string {
	t.Helper()
	w := doJSON(t, r, http.MethodPost, "/v1/contracts", clientID, contractBody())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		Contract Contract `json:"contract"`
	}
	decode(t, w, &resp)
	return resp.Contract.ID
}

func TestHandler_CreateAndGetContract(t *testing.T) {
	r, _ := setupTestRouter(t)
	id := createViaAPI(t, r)

	w := doJSON(t, r, http.MethodGet, "/v1/contracts/"+id, artistID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var view struct {
		Contract    Contract      `json:"contract"`
		Settlements []*Settlement `json:"settlements"`
	}
	decode(t, w, &view)
	assert.Equal(t, ContractActive, view.Contract.Status)
	assert.Len(t, view.Settlements, 1)

	w = doJSON(t, r, http.MethodGet, "/v1/contracts/"+id, outsiderID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, r, http.MethodGet, "/v1/contracts", clientID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	decode(t, w, &list)
	assert.Equal(t, 1, list.Count)
}

func TestHandler_CreateContractValidation(t *testing.T) {
	r, _ := setupTestRouter(t)

	w := doJSON(t, r, http.MethodPost, "/v1/contracts", clientID, "not an object")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	body := contractBody()
	body["artistId"] = "bad id with spaces"
	w = doJSON(t, r, http.MethodPost, "/v1/contracts", clientID, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp map[string]interface{}
	decode(t, w, &resp)
	assert.Equal(t, "validation_error", resp["error"])

	body = contractBody()
	body["basePrice"] = 0
	w = doJSON(t, r, http.MethodPost, "/v1/contracts", clientID, body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	decode(t, w, &resp)
	assert.Equal(t, "invalid_request", resp["error"])
}

func TestHandler_RejectsMalformedIDs(t *testing.T) {
	r, _ := setupTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/v1/contracts/ct_1", clientID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/uploads/up_XYZ/review", clientID, gin.H{"decision": "accept"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// A well-formed id of another kind is still refused.
	w = doJSON(t, r, http.MethodGet, "/v1/resolutions/ct_0123456789abcdef0123456789abcdef", clientID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_UnknownContractIsNotFound(t *testing.T) {
	r, _ := setupTestRouter(t)
	w := doJSON(t, r, http.MethodGet, "/v1/contracts/ct_0123456789abcdef0123456789abcdef", clientID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_CancelFlowAndErrorMapping(t *testing.T) {
	r, h := setupTestRouter(t)
	id := createViaAPI(t, r)

	w := doJSON(t, r, http.MethodPost, "/v1/contracts/"+id+"/cancel-tickets", clientID, gin.H{"reason": "budget"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Ticket CancelTicket `json:"ticket"`
	}
	decode(t, w, &created)

	w = doJSON(t, r, http.MethodPost, "/v1/contracts/"+id+"/cancel-tickets", artistID, gin.H{"reason": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)

	path := "/v1/cancel-tickets/" + created.Ticket.ID + "/respond"
	w = doJSON(t, r, http.MethodPost, path, clientID, gin.H{"decision": "accept"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	h.clock.Advance(DefaultTicketResponseWindow + time.Minute)
	w = doJSON(t, r, http.MethodPost, path, artistID, gin.H{"decision": "reject"})
	assert.Equal(t, http.StatusGone, w.Code)
	var resp map[string]interface{}
	decode(t, w, &resp)
	assert.Equal(t, "window_closed", resp["error"])
}

func TestHandler_RevisionPolicyViolation(t *testing.T) {
	r, _ := setupTestRouter(t)
	id := createViaAPI(t, r)

	w := doJSON(t, r, http.MethodPost, "/v1/contracts/"+id+"/revision-tickets", clientID, gin.H{"description": "one"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Ticket RevisionTicket `json:"ticket"`
	}
	decode(t, w, &created)

	w = doJSON(t, r, http.MethodPost, "/v1/revision-tickets/"+created.Ticket.ID+"/withdraw", clientID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, r, http.MethodPost, "/v1/contracts/"+id+"/change-tickets", clientID,
		gin.H{"reason": "scope", "changes": gin.H{"description": "two characters"}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHandler_UploadReviewAndResolution(t *testing.T) {
	r, _ := setupTestRouter(t)
	id := createViaAPI(t, r)

	w := doJSON(t, r, http.MethodPost, "/v1/contracts/"+id+"/uploads", artistID, gin.H{
		"kind": "final", "workProgress": 100, "images": []string{"javascript:alert(1)"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, r, http.MethodPost, "/v1/contracts/"+id+"/uploads", artistID, gin.H{
		"kind": "final", "workProgress": 100, "images": testImages,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var up struct {
		Upload Upload `json:"upload"`
	}
	decode(t, w, &up)

	w = doJSON(t, r, http.MethodPost, "/v1/uploads/"+up.Upload.ID+"/review", clientID,
		gin.H{"decision": "reject", "reason": "wrong palette"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, r, http.MethodPost, "/v1/contracts/"+id+"/resolutions", artistID, gin.H{
		"target":      gin.H{"kind": "finalUpload", "id": up.Upload.ID},
		"description": "palette matches the brief",
		"proofImages": testImages,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res struct {
		Resolution ResolutionTicket `json:"resolution"`
	}
	decode(t, w, &res)
	rsPath := "/v1/resolutions/" + res.Resolution.ID

	w = doJSON(t, r, http.MethodPost, rsPath+"/counterproof", clientID, gin.H{"description": "it does not"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doJSON(t, r, http.MethodGet, "/v1/admin/review-queue", clientID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = doJSON(t, r, http.MethodGet, "/v1/admin/review-queue?limit=10", adminID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var queue ReviewQueue
	decode(t, w, &queue)
	require.Len(t, queue.Items, 1)

	w = doJSON(t, r, http.MethodPost, rsPath+"/resolve", artistID, gin.H{"decision": "favorArtist"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = doJSON(t, r, http.MethodPost, rsPath+"/resolve", adminID, gin.H{"decision": "favorArtist"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &res)
	assert.Equal(t, OutcomeOverridden, res.Resolution.Outcome)

	w = doJSON(t, r, http.MethodPost, rsPath+"/cancel", adminID, gin.H{})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, r, http.MethodGet, rsPath, clientID, nil)
	require.Equal(t, http.StatusOK, w.Code)
}
