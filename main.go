package main

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"google.golang.org/api/idtoken"

	"github.com/jmsmuy/nodeGroupOrganizer/solver"
)

//go:embed schema.sql
var schema string

var (
	htmlTemplates *template.Template
	jsTemplates   *texttemplate.Template
)

func main() {
	for _, key := range []string{"PGCONN", "CLIENT_ID", "CLIENT_SECRET", "ADMINS"} {
		if os.Getenv(key) == "" {
			log.Fatalf("%s environment variable is required", key)
		}
	}

	db, err := sql.Open("postgres", os.Getenv("PGCONN"))
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	log.Println("connected to database")

	if _, err := db.Exec(schema); err != nil {
		log.Fatalf("failed to apply schema: %v", err)
	}

	htmlTemplates = template.Must(template.New("").ParseGlob("static/*.html"))
	jsTemplates = texttemplate.Must(texttemplate.New("").ParseGlob("static/*.js"))

	http.HandleFunc("GET /{$}", serveHTML("index.html"))
	http.HandleFunc("GET /app.js", serveJS("app.js"))
	http.HandleFunc("GET /plan/{planID}", serveHTML("plan.html"))
	http.HandleFunc("GET /plan.js", serveJS("plan.js"))
	http.HandleFunc("GET /share/{token}", serveHTML("share.html"))
	http.HandleFunc("GET /share.js", serveJS("share.js"))
	http.HandleFunc("POST /auth/google/callback", handleGoogleCallback)
	http.HandleFunc("GET /api/admin/check", handleAdminCheck)
	http.HandleFunc("GET /api/plans", handleListPlans(db))
	http.HandleFunc("POST /api/plans", handleCreatePlan(db))
	http.HandleFunc("GET /api/plans/{planID}", handleGetPlan(db))
	http.HandleFunc("PATCH /api/plans/{planID}", handleUpdatePlan(db))
	http.HandleFunc("DELETE /api/plans/{planID}", handleDeletePlan(db))
	http.HandleFunc("POST /api/plans/{planID}/admins", handleAddPlanAdmin(db))
	http.HandleFunc("DELETE /api/plans/{planID}/admins/{adminID}", handleRemovePlanAdmin(db))
	http.HandleFunc("GET /api/plans/{planID}/nodes", handleListNodes(db))
	http.HandleFunc("POST /api/plans/{planID}/nodes", handleCreateNode(db))
	http.HandleFunc("PATCH /api/plans/{planID}/nodes/{nodeID}", handleUpdateNode(db))
	http.HandleFunc("DELETE /api/plans/{planID}/nodes/{nodeID}", handleDeleteNode(db))
	http.HandleFunc("POST /api/plans/{planID}/nodes/{nodeID}/tags", handleAddTag(db))
	http.HandleFunc("DELETE /api/plans/{planID}/nodes/{nodeID}/tags/{tagID}", handleRemoveTag(db))
	http.HandleFunc("GET /api/plans/{planID}/links", handleListLinks(db))
	http.HandleFunc("POST /api/plans/{planID}/links", handleUpsertLink(db))
	http.HandleFunc("DELETE /api/plans/{planID}/links/{linkID}", handleDeleteLink(db))
	http.HandleFunc("POST /api/plans/{planID}/links/derive", handleDeriveLinks(db))
	http.HandleFunc("GET /api/plans/{planID}/groups", handleListFixedGroups(db))
	http.HandleFunc("POST /api/plans/{planID}/groups", handleCreateFixedGroup(db))
	http.HandleFunc("DELETE /api/plans/{planID}/groups/{groupID}", handleDeleteFixedGroup(db))
	http.HandleFunc("POST /api/plans/{planID}/groups/{groupID}/members", handleAddFixedGroupMember(db))
	http.HandleFunc("DELETE /api/plans/{planID}/groups/{groupID}/members/{memberID}", handleRemoveFixedGroupMember(db))
	http.HandleFunc("POST /api/plans/{planID}/solve", handleSolve(db))
	http.HandleFunc("GET /api/plans/{planID}/solves/latest", handleLatestSolve(db))
	http.HandleFunc("GET /api/plans/{planID}/shares", handleListShares(db))
	http.HandleFunc("POST /api/plans/{planID}/shares", handleCreateShare(db))
	http.HandleFunc("DELETE /api/plans/{planID}/shares/{shareID}", handleDeleteShare(db))
	http.HandleFunc("GET /api/shared/{token}", handleSharedPlan(db))
	http.HandleFunc("GET /api/plans/{planID}/export", handleExportPlan(db))
	http.HandleFunc("POST /api/plans/{planID}/import", handleImportPlan(db))
	http.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(); err != nil {
			http.Error(w, "db unhealthy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	log.Println("listening on :8080")
	log.Fatal(http.ListenAndServe(":8080", nil))
}

func templateData() map[string]any {
	return map[string]any{
		"env": envMap(),
	}
}

func envMap() map[string]string {
	m := map[string]string{}
	for _, e := range os.Environ() {
		if parts := strings.SplitN(e, "=", 2); len(parts) == 2 {
			m[parts[0]] = parts[1]
		}
	}
	return m
}

func serveHTML(name string) http.HandlerFunc {
	t := htmlTemplates.Lookup(name)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html")
		t.Execute(w, templateData())
	}
}

func serveJS(name string) http.HandlerFunc {
	t := jsTemplates.Lookup(name)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "application/javascript")
		t.Execute(w, templateData())
	}
}

func handleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	credential := r.FormValue("credential")
	if credential == "" {
		http.Error(w, "missing credential", http.StatusBadRequest)
		return
	}

	payload, err := idtoken.Validate(context.Background(), credential, os.Getenv("CLIENT_ID"))
	if err != nil {
		log.Println("failed to validate token:", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	email := payload.Claims["email"].(string)

	profile := map[string]any{
		"email":   email,
		"name":    payload.Claims["name"],
		"picture": payload.Claims["picture"],
		"token":   signEmail(email),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(profile)
}

func signEmail(email string) string {
	h := hmac.New(sha256.New, []byte(os.Getenv("CLIENT_SECRET")))
	h.Write([]byte(email))
	sig := base64.RawURLEncoding.EncodeToString(h.Sum(nil))
	return base64.RawURLEncoding.EncodeToString([]byte(email)) + "." + sig
}

func authorize(r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", false
	}
	emailBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", false
	}
	email := string(emailBytes)
	if signEmail(email) != token {
		return "", false
	}
	return email, true
}

func isAdmin(email string) bool {
	return slices.ContainsFunc(strings.Split(os.Getenv("ADMINS"), ","), func(a string) bool {
		return strings.TrimSpace(a) == email
	})
}

func requireAdmin(w http.ResponseWriter, r *http.Request) (string, bool) {
	email, ok := authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", false
	}
	if !isAdmin(email) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return "", false
	}
	return email, true
}

func isPlanAdmin(db *sql.DB, email string, planID int64) bool {
	var exists bool
	db.QueryRow("SELECT EXISTS(SELECT 1 FROM plan_admins WHERE plan_id = $1 AND email = $2)", planID, email).Scan(&exists)
	return exists
}

func requirePlanAdmin(db *sql.DB, w http.ResponseWriter, r *http.Request) (string, int64, bool) {
	email, ok := authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", 0, false
	}
	planID, err := strconv.ParseInt(r.PathValue("planID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid plan ID", http.StatusBadRequest)
		return "", 0, false
	}
	if !isAdmin(email) && !isPlanAdmin(db, email, planID) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return "", 0, false
	}
	return email, planID, true
}

func handleAdminCheck(w http.ResponseWriter, r *http.Request) {
	email, ok := authorize(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"admin": isAdmin(email)})
}

func handleListPlans(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		email, ok := authorize(r)
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		query := `
			SELECT p.id, p.name, COALESCE(
				json_agg(json_build_object('id', pa.id, 'email', pa.email)) FILTER (WHERE pa.id IS NOT NULL),
				'[]'
			)
			FROM plans p
			LEFT JOIN plan_admins pa ON pa.plan_id = p.id
			GROUP BY p.id, p.name
			ORDER BY p.id`
		var args []any
		if !isAdmin(email) {
			query = `
				SELECT p.id, p.name, COALESCE(
					json_agg(json_build_object('id', pa.id, 'email', pa.email)) FILTER (WHERE pa.id IS NOT NULL),
					'[]'
				)
				FROM plans p
				LEFT JOIN plan_admins pa ON pa.plan_id = p.id
				WHERE EXISTS (SELECT 1 FROM plan_admins mine WHERE mine.plan_id = p.id AND mine.email = $1)
				GROUP BY p.id, p.name
				ORDER BY p.id`
			args = append(args, email)
		}
		rows, err := db.Query(query, args...)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer rows.Close()

		type planAdmin struct {
			ID    int64  `json:"id"`
			Email string `json:"email"`
		}
		type plan struct {
			ID     int64       `json:"id"`
			Name   string      `json:"name"`
			Admins []planAdmin `json:"admins"`
		}

		var plans []plan
		for rows.Next() {
			var p plan
			var adminsJSON string
			if err := rows.Scan(&p.ID, &p.Name, &adminsJSON); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			json.Unmarshal([]byte(adminsJSON), &p.Admins)
			plans = append(plans, p)
		}
		if plans == nil {
			plans = []plan{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(plans)
	}
}

func handleCreatePlan(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireAdmin(w, r); !ok {
			return
		}
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		var id int64
		err := db.QueryRow("INSERT INTO plans (name) VALUES ($1) RETURNING id", body.Name).Scan(&id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": id, "name": body.Name})
	}
}

func handleGetPlan(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		var name string
		var minWeight, maxWeight, balanceFactor, bonusPerGroup float64
		var allowFree, symmetric bool
		err := db.QueryRow(`
			SELECT name, min_weight, max_weight, allow_free_nodes, symmetric_links, balance_factor, bonus_per_group
			FROM plans WHERE id = $1`, planID).
			Scan(&name, &minWeight, &maxWeight, &allowFree, &symmetric, &balanceFactor, &bonusPerGroup)
		if err == sql.ErrNoRows {
			http.Error(w, "plan not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":               planID,
			"name":             name,
			"min_weight":       minWeight,
			"max_weight":       maxWeight,
			"allow_free_nodes": allowFree,
			"symmetric_links":  symmetric,
			"balance_factor":   balanceFactor,
			"bonus_per_group":  bonusPerGroup,
		})
	}
}

func handleUpdatePlan(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		var body struct {
			Name           *string  `json:"name"`
			MinWeight      *float64 `json:"min_weight"`
			MaxWeight      *float64 `json:"max_weight"`
			AllowFreeNodes *bool    `json:"allow_free_nodes"`
			SymmetricLinks *bool    `json:"symmetric_links"`
			BalanceFactor  *float64 `json:"balance_factor"`
			BonusPerGroup  *float64 `json:"bonus_per_group"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if body.Name != nil && *body.Name == "" {
			http.Error(w, "name must not be empty", http.StatusBadRequest)
			return
		}
		if body.MinWeight != nil && *body.MinWeight < 0 {
			http.Error(w, "min_weight must be at least 0", http.StatusBadRequest)
			return
		}
		if body.MaxWeight != nil && *body.MaxWeight <= 0 {
			http.Error(w, "max_weight must be greater than 0", http.StatusBadRequest)
			return
		}
		if body.BalanceFactor != nil && *body.BalanceFactor < 0 {
			http.Error(w, "balance_factor must be at least 0", http.StatusBadRequest)
			return
		}
		set := func(column string, value any) bool {
			if _, err := db.Exec("UPDATE plans SET "+column+" = $1 WHERE id = $2", value, planID); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return false
			}
			return true
		}
		if body.Name != nil && !set("name", *body.Name) {
			return
		}
		if body.MinWeight != nil && !set("min_weight", *body.MinWeight) {
			return
		}
		if body.MaxWeight != nil && !set("max_weight", *body.MaxWeight) {
			return
		}
		if body.AllowFreeNodes != nil && !set("allow_free_nodes", *body.AllowFreeNodes) {
			return
		}
		if body.SymmetricLinks != nil && !set("symmetric_links", *body.SymmetricLinks) {
			return
		}
		if body.BalanceFactor != nil && !set("balance_factor", *body.BalanceFactor) {
			return
		}
		if body.BonusPerGroup != nil && !set("bonus_per_group", *body.BonusPerGroup) {
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleDeletePlan(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireAdmin(w, r); !ok {
			return
		}
		planID, err := strconv.ParseInt(r.PathValue("planID"), 10, 64)
		if err != nil {
			http.Error(w, "invalid plan ID", http.StatusBadRequest)
			return
		}
		result, err := db.Exec("DELETE FROM plans WHERE id = $1", planID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if n, _ := result.RowsAffected(); n == 0 {
			http.Error(w, "plan not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleAddPlanAdmin(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireAdmin(w, r); !ok {
			return
		}
		planID, err := strconv.ParseInt(r.PathValue("planID"), 10, 64)
		if err != nil {
			http.Error(w, "invalid plan ID", http.StatusBadRequest)
			return
		}
		var body struct {
			Email string `json:"email"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Email == "" {
			http.Error(w, "email is required", http.StatusBadRequest)
			return
		}
		var id int64
		err = db.QueryRow("INSERT INTO plan_admins (plan_id, email) VALUES ($1, $2) RETURNING id", planID, body.Email).Scan(&id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": id, "email": body.Email})
	}
}

func handleRemovePlanAdmin(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, ok := requireAdmin(w, r); !ok {
			return
		}
		adminID, err := strconv.ParseInt(r.PathValue("adminID"), 10, 64)
		if err != nil {
			http.Error(w, "invalid admin ID", http.StatusBadRequest)
			return
		}
		result, err := db.Exec("DELETE FROM plan_admins WHERE id = $1", adminID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if n, _ := result.RowsAffected(); n == 0 {
			http.Error(w, "plan admin not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleListNodes(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		rows, err := db.Query(`
			SELECT n.id, n.name, n.weight, COALESCE(
				json_agg(json_build_object('id', t.id, 'tag', t.tag) ORDER BY t.tag) FILTER (WHERE t.id IS NOT NULL),
				'[]'
			)
			FROM nodes n
			LEFT JOIN node_tags t ON t.node_id = n.id
			WHERE n.plan_id = $1
			GROUP BY n.id, n.name, n.weight
			ORDER BY n.name`, planID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer rows.Close()

		type nodeTag struct {
			ID  int64  `json:"id"`
			Tag string `json:"tag"`
		}
		type node struct {
			ID     int64     `json:"id"`
			Name   string    `json:"name"`
			Weight float64   `json:"weight"`
			Tags   []nodeTag `json:"tags"`
		}

		var nodes []node
		for rows.Next() {
			var n node
			var tagsJSON string
			if err := rows.Scan(&n.ID, &n.Name, &n.Weight, &tagsJSON); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			json.Unmarshal([]byte(tagsJSON), &n.Tags)
			nodes = append(nodes, n)
		}
		if nodes == nil {
			nodes = []node{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(nodes)
	}
}

func handleCreateNode(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		var body struct {
			Name   string   `json:"name"`
			Weight *float64 `json:"weight"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		weight := 1.0
		if body.Weight != nil {
			weight = *body.Weight
		}
		if weight < 0 {
			http.Error(w, "weight must be at least 0", http.StatusBadRequest)
			return
		}
		var id int64
		err := db.QueryRow("INSERT INTO nodes (plan_id, name, weight) VALUES ($1, $2, $3) RETURNING id", planID, body.Name, weight).Scan(&id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": id, "name": body.Name, "weight": weight})
	}
}

func handleUpdateNode(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		nodeID, err := strconv.ParseInt(r.PathValue("nodeID"), 10, 64)
		if err != nil {
			http.Error(w, "invalid node ID", http.StatusBadRequest)
			return
		}
		var body struct {
			Name   *string  `json:"name"`
			Weight *float64 `json:"weight"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if body.Name != nil && *body.Name == "" {
			http.Error(w, "name must not be empty", http.StatusBadRequest)
			return
		}
		if body.Weight != nil && *body.Weight < 0 {
			http.Error(w, "weight must be at least 0", http.StatusBadRequest)
			return
		}
		if body.Name != nil {
			if _, err := db.Exec("UPDATE nodes SET name = $1 WHERE id = $2 AND plan_id = $3", *body.Name, nodeID, planID); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		if body.Weight != nil {
			if _, err := db.Exec("UPDATE nodes SET weight = $1 WHERE id = $2 AND plan_id = $3", *body.Weight, nodeID, planID); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleDeleteNode(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		nodeID, err := strconv.ParseInt(r.PathValue("nodeID"), 10, 64)
		if err != nil {
			http.Error(w, "invalid node ID", http.StatusBadRequest)
			return
		}
		result, err := db.Exec("DELETE FROM nodes WHERE id = $1 AND plan_id = $2", nodeID, planID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if n, _ := result.RowsAffected(); n == 0 {
			http.Error(w, "node not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleAddTag(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		nodeID, err := strconv.ParseInt(r.PathValue("nodeID"), 10, 64)
		if err != nil {
			http.Error(w, "invalid node ID", http.StatusBadRequest)
			return
		}
		var body struct {
			Tag string `json:"tag"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Tag == "" {
			http.Error(w, "tag is required", http.StatusBadRequest)
			return
		}
		var id int64
		err = db.QueryRow("INSERT INTO node_tags (node_id, tag) SELECT id, $3 FROM nodes WHERE id = $1 AND plan_id = $2 RETURNING id",
			nodeID, planID, body.Tag).Scan(&id)
		if err == sql.ErrNoRows {
			http.Error(w, "node not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": id, "tag": body.Tag})
	}
}

func handleRemoveTag(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		tagID, err := strconv.ParseInt(r.PathValue("tagID"), 10, 64)
		if err != nil {
			http.Error(w, "invalid tag ID", http.StatusBadRequest)
			return
		}
		result, err := db.Exec("DELETE FROM node_tags WHERE id = $1 AND node_id IN (SELECT id FROM nodes WHERE plan_id = $2)", tagID, planID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if n, _ := result.RowsAffected(); n == 0 {
			http.Error(w, "tag not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleListLinks(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		rows, err := db.Query(`
			SELECT l.id, nf.name, nt.name, l.weight
			FROM links l
			JOIN nodes nf ON nf.id = l.from_node_id
			JOIN nodes nt ON nt.id = l.to_node_id
			WHERE l.plan_id = $1
			ORDER BY nf.name, nt.name`, planID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer rows.Close()

		type link struct {
			ID     int64   `json:"id"`
			From   string  `json:"from"`
			To     string  `json:"to"`
			Weight float64 `json:"weight"`
		}
		var links []link
		for rows.Next() {
			var l link
			if err := rows.Scan(&l.ID, &l.From, &l.To, &l.Weight); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			links = append(links, l)
		}
		if links == nil {
			links = []link{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(links)
	}
}

func handleUpsertLink(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		var body struct {
			From   string  `json:"from"`
			To     string  `json:"to"`
			Weight float64 `json:"weight"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.From == "" || body.To == "" {
			http.Error(w, "from and to are required", http.StatusBadRequest)
			return
		}
		if body.From == body.To {
			http.Error(w, "nodes must be different", http.StatusBadRequest)
			return
		}
		var fromID, toID int64
		if err := db.QueryRow("SELECT id FROM nodes WHERE plan_id = $1 AND name = $2", planID, body.From).Scan(&fromID); err != nil {
			http.Error(w, "from node not found", http.StatusBadRequest)
			return
		}
		if err := db.QueryRow("SELECT id FROM nodes WHERE plan_id = $1 AND name = $2", planID, body.To).Scan(&toID); err != nil {
			http.Error(w, "to node not found", http.StatusBadRequest)
			return
		}

		// weight zero means no link, so clear any stored entry
		if body.Weight == 0 {
			if _, err := db.Exec("DELETE FROM links WHERE plan_id = $1 AND from_node_id = $2 AND to_node_id = $3", planID, fromID, toID); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		var id int64
		err := db.QueryRow(`
			INSERT INTO links (plan_id, from_node_id, to_node_id, weight)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (plan_id, from_node_id, to_node_id) DO UPDATE SET weight = EXCLUDED.weight
			RETURNING id`, planID, fromID, toID, body.Weight).Scan(&id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": id, "from": body.From, "to": body.To, "weight": body.Weight})
	}
}

func handleDeleteLink(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		linkID, err := strconv.ParseInt(r.PathValue("linkID"), 10, 64)
		if err != nil {
			http.Error(w, "invalid link ID", http.StatusBadRequest)
			return
		}
		result, err := db.Exec("DELETE FROM links WHERE id = $1 AND plan_id = $2", linkID, planID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if n, _ := result.RowsAffected(); n == 0 {
			http.Error(w, "link not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleDeriveLinks seeds the link table from shared tags: every node pair
// sharing at least one tag gets an upserted link weighted by the shared-tag
// count. The lower node id is the from side so reruns stay idempotent.
func handleDeriveLinks(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		var body struct {
			WeightPerTag float64  `json:"weight_per_tag"`
			Tags         []string `json:"tags"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.WeightPerTag == 0 {
			http.Error(w, "weight_per_tag is required", http.StatusBadRequest)
			return
		}
		if body.Tags == nil {
			body.Tags = []string{}
		}
		result, err := db.Exec(`
			INSERT INTO links (plan_id, from_node_id, to_node_id, weight)
			SELECT $1, a.node_id, b.node_id, COUNT(*) * $2::float8
			FROM node_tags a
			JOIN node_tags b ON b.tag = a.tag AND b.node_id > a.node_id
			JOIN nodes na ON na.id = a.node_id AND na.plan_id = $1
			JOIN nodes nb ON nb.id = b.node_id AND nb.plan_id = $1
			WHERE cardinality($3::text[]) = 0 OR a.tag = ANY($3)
			GROUP BY a.node_id, b.node_id
			ON CONFLICT (plan_id, from_node_id, to_node_id) DO UPDATE SET weight = EXCLUDED.weight`,
			planID, body.WeightPerTag, pq.Array(body.Tags))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		n, _ := result.RowsAffected()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"links": n})
	}
}

func handleListFixedGroups(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		rows, err := db.Query(`
			SELECT fg.id, fg.name, COALESCE(
				json_agg(json_build_object('id', fgm.id, 'node_id', fgm.node_id, 'name', n.name) ORDER BY n.name)
					FILTER (WHERE fgm.id IS NOT NULL),
				'[]'
			)
			FROM fixed_groups fg
			LEFT JOIN fixed_group_members fgm ON fgm.fixed_group_id = fg.id
			LEFT JOIN nodes n ON n.id = fgm.node_id
			WHERE fg.plan_id = $1
			GROUP BY fg.id, fg.name
			ORDER BY fg.id`, planID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer rows.Close()

		type member struct {
			ID     int64  `json:"id"`
			NodeID int64  `json:"node_id"`
			Name   string `json:"name"`
		}
		type fixedGroup struct {
			ID      int64    `json:"id"`
			Name    string   `json:"name"`
			Members []member `json:"members"`
		}

		var groups []fixedGroup
		for rows.Next() {
			var g fixedGroup
			var membersJSON string
			if err := rows.Scan(&g.ID, &g.Name, &membersJSON); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			json.Unmarshal([]byte(membersJSON), &g.Members)
			groups = append(groups, g)
		}
		if groups == nil {
			groups = []fixedGroup{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(groups)
	}
}

func handleCreateFixedGroup(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		var id int64
		err := db.QueryRow("INSERT INTO fixed_groups (plan_id, name) VALUES ($1, $2) RETURNING id", planID, body.Name).Scan(&id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": id, "name": body.Name})
	}
}

func handleDeleteFixedGroup(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		groupID, err := strconv.ParseInt(r.PathValue("groupID"), 10, 64)
		if err != nil {
			http.Error(w, "invalid group ID", http.StatusBadRequest)
			return
		}
		result, err := db.Exec("DELETE FROM fixed_groups WHERE id = $1 AND plan_id = $2", groupID, planID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if n, _ := result.RowsAffected(); n == 0 {
			http.Error(w, "fixed group not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleAddFixedGroupMember(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		groupID, err := strconv.ParseInt(r.PathValue("groupID"), 10, 64)
		if err != nil {
			http.Error(w, "invalid group ID", http.StatusBadRequest)
			return
		}
		var body struct {
			NodeID int64 `json:"node_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.NodeID == 0 {
			http.Error(w, "node_id is required", http.StatusBadRequest)
			return
		}
		var id int64
		err = db.QueryRow(`
			INSERT INTO fixed_group_members (fixed_group_id, node_id)
			SELECT fg.id, n.id
			FROM fixed_groups fg
			JOIN nodes n ON n.id = $1 AND n.plan_id = $2
			WHERE fg.id = $3 AND fg.plan_id = $2
			RETURNING id`, body.NodeID, planID, groupID).Scan(&id)
		if err == sql.ErrNoRows {
			http.Error(w, "fixed group or node not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": id, "node_id": body.NodeID})
	}
}

func handleRemoveFixedGroupMember(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		memberID, err := strconv.ParseInt(r.PathValue("memberID"), 10, 64)
		if err != nil {
			http.Error(w, "invalid member ID", http.StatusBadRequest)
			return
		}
		result, err := db.Exec(`
			DELETE FROM fixed_group_members WHERE id = $1
			AND fixed_group_id IN (SELECT id FROM fixed_groups WHERE plan_id = $2)`, memberID, planID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if n, _ := result.RowsAffected(); n == 0 {
			http.Error(w, "member not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type solveGroup struct {
	Members   []string `json:"members"`
	WeightSum float64  `json:"weight_sum"`
	Affinity  float64  `json:"affinity"`
}

type solveSolution struct {
	Groups      []solveGroup `json:"groups"`
	FreeNodes   []string     `json:"free_nodes"`
	TotalWeight float64      `json:"total_weight"`
	Score       float64      `json:"score"`
}

func solveResults(solutions []solver.Solution) []solveSolution {
	results := make([]solveSolution, 0, len(solutions))
	for _, sol := range solutions {
		groups := make([]solveGroup, 0, len(sol.Groups))
		for _, g := range sol.Groups {
			groups = append(groups, solveGroup{Members: g.Members, WeightSum: g.WeightSum, Affinity: g.Affinity})
		}
		free := sol.FreeNodes
		if free == nil {
			free = []string{}
		}
		results = append(results, solveSolution{
			Groups:      groups,
			FreeNodes:   free,
			TotalWeight: sol.TotalWeight,
			Score:       sol.Score,
		})
	}
	return results
}

// loadSolveInput pulls everything the solver needs for one plan. Node names
// act as solver ids; they are unique per plan.
func loadSolveInput(db *sql.DB, planID int64) ([]solver.Node, []solver.Link, [][]string, error) {
	rows, err := db.Query("SELECT name, weight FROM nodes WHERE plan_id = $1 ORDER BY id", planID)
	if err != nil {
		return nil, nil, nil, err
	}
	defer rows.Close()
	var nodes []solver.Node
	for rows.Next() {
		var n solver.Node
		if err := rows.Scan(&n.ID, &n.Weight); err != nil {
			return nil, nil, nil, err
		}
		nodes = append(nodes, n)
	}

	lrows, err := db.Query(`
		SELECT nf.name, nt.name, l.weight
		FROM links l
		JOIN nodes nf ON nf.id = l.from_node_id
		JOIN nodes nt ON nt.id = l.to_node_id
		WHERE l.plan_id = $1
		ORDER BY l.id`, planID)
	if err != nil {
		return nil, nil, nil, err
	}
	defer lrows.Close()
	var links []solver.Link
	for lrows.Next() {
		var l solver.Link
		if err := lrows.Scan(&l.From, &l.To, &l.Weight); err != nil {
			return nil, nil, nil, err
		}
		links = append(links, l)
	}

	grows, err := db.Query(`
		SELECT fgm.fixed_group_id, n.name
		FROM fixed_group_members fgm
		JOIN fixed_groups fg ON fg.id = fgm.fixed_group_id
		JOIN nodes n ON n.id = fgm.node_id
		WHERE fg.plan_id = $1
		ORDER BY fgm.fixed_group_id, fgm.id`, planID)
	if err != nil {
		return nil, nil, nil, err
	}
	defer grows.Close()
	memberOf := map[int64][]string{}
	var groupIDs []int64
	for grows.Next() {
		var gid int64
		var name string
		if err := grows.Scan(&gid, &name); err != nil {
			return nil, nil, nil, err
		}
		if memberOf[gid] == nil {
			groupIDs = append(groupIDs, gid)
		}
		memberOf[gid] = append(memberOf[gid], name)
	}
	var fixedGroups [][]string
	for _, gid := range groupIDs {
		fixedGroups = append(fixedGroups, memberOf[gid])
	}

	return nodes, links, fixedGroups, nil
}

func handleSolve(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}

		var minWeight, maxWeight, balanceFactor, bonusPerGroup float64
		var allowFree, symmetric bool
		err := db.QueryRow(`
			SELECT min_weight, max_weight, allow_free_nodes, symmetric_links, balance_factor, bonus_per_group
			FROM plans WHERE id = $1`, planID).
			Scan(&minWeight, &maxWeight, &allowFree, &symmetric, &balanceFactor, &bonusPerGroup)
		if err == sql.ErrNoRows {
			http.Error(w, "plan not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		nodes, links, fixedGroups, err := loadSolveInput(db, planID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		opts := solver.Options{
			AllowFreeNodes:            allowFree,
			SymmetricLinks:            symmetric,
			BalanceGroupWeightsFactor: balanceFactor,
			BonusPerGroup:             bonusPerGroup,
			FixedGroups:               fixedGroups,
		}
		res := solver.ComputeGroups(nodes, solver.BuildLinkTable(links), minWeight, maxWeight, opts)

		if len(res.Errors) > 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]any{"errors": res.Errors})
			return
		}

		results := solveResults(res.Solutions)
		solutionsJSON, err := json.Marshal(results)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if _, err := db.Exec("INSERT INTO solves (plan_id, optimal, solutions) VALUES ($1, $2, $3)", planID, res.Optimal, string(solutionsJSON)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"solutions": results, "optimal": res.Optimal})
	}
}

func handleLatestSolve(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		var solutionsJSON []byte
		var optimal bool
		var createdAt time.Time
		err := db.QueryRow("SELECT solutions, optimal, created_at FROM solves WHERE plan_id = $1 ORDER BY id DESC LIMIT 1", planID).
			Scan(&solutionsJSON, &optimal, &createdAt)
		if err == sql.ErrNoRows {
			http.Error(w, "no solves yet", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"solutions":  json.RawMessage(solutionsJSON),
			"optimal":    optimal,
			"created_at": createdAt,
		})
	}
}

func handleListShares(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		rows, err := db.Query("SELECT id, token FROM shares WHERE plan_id = $1 ORDER BY id", planID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer rows.Close()

		type share struct {
			ID    int64  `json:"id"`
			Token string `json:"token"`
		}
		var shares []share
		for rows.Next() {
			var s share
			if err := rows.Scan(&s.ID, &s.Token); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			shares = append(shares, s)
		}
		if shares == nil {
			shares = []share{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(shares)
	}
}

func handleCreateShare(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		token := uuid.NewString()
		var id int64
		err := db.QueryRow("INSERT INTO shares (plan_id, token) VALUES ($1, $2) RETURNING id", planID, token).Scan(&id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": id, "token": token})
	}
}

func handleDeleteShare(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		shareID, err := strconv.ParseInt(r.PathValue("shareID"), 10, 64)
		if err != nil {
			http.Error(w, "invalid share ID", http.StatusBadRequest)
			return
		}
		result, err := db.Exec("DELETE FROM shares WHERE id = $1 AND plan_id = $2", shareID, planID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if n, _ := result.RowsAffected(); n == 0 {
			http.Error(w, "share not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleSharedPlan serves the read-only snapshot behind a share token. No
// auth: possession of the token is the grant.
func handleSharedPlan(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.PathValue("token")
		var planID int64
		if err := db.QueryRow("SELECT plan_id FROM shares WHERE token = $1", token).Scan(&planID); err != nil {
			http.Error(w, "share not found", http.StatusNotFound)
			return
		}

		var name string
		var minWeight, maxWeight float64
		if err := db.QueryRow("SELECT name, min_weight, max_weight FROM plans WHERE id = $1", planID).Scan(&name, &minWeight, &maxWeight); err != nil {
			http.Error(w, "plan not found", http.StatusNotFound)
			return
		}

		nodes, links, fixedGroups, err := loadSolveInput(db, planID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		type nodeEntry struct {
			Name   string  `json:"name"`
			Weight float64 `json:"weight"`
		}
		nodeEntries := make([]nodeEntry, 0, len(nodes))
		for _, n := range nodes {
			nodeEntries = append(nodeEntries, nodeEntry{Name: n.ID, Weight: n.Weight})
		}
		type linkEntry struct {
			From   string  `json:"from"`
			To     string  `json:"to"`
			Weight float64 `json:"weight"`
		}
		linkEntries := make([]linkEntry, 0, len(links))
		for _, l := range links {
			linkEntries = append(linkEntries, linkEntry{From: l.From, To: l.To, Weight: l.Weight})
		}
		if fixedGroups == nil {
			fixedGroups = [][]string{}
		}

		response := map[string]any{
			"name":         name,
			"min_weight":   minWeight,
			"max_weight":   maxWeight,
			"nodes":        nodeEntries,
			"links":        linkEntries,
			"fixed_groups": fixedGroups,
		}

		var solutionsJSON []byte
		var optimal bool
		var createdAt time.Time
		err = db.QueryRow("SELECT solutions, optimal, created_at FROM solves WHERE plan_id = $1 ORDER BY id DESC LIMIT 1", planID).
			Scan(&solutionsJSON, &optimal, &createdAt)
		if err != nil && err != sql.ErrNoRows {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err == nil {
			response["solve"] = map[string]any{
				"solutions":  json.RawMessage(solutionsJSON),
				"optimal":    optimal,
				"created_at": createdAt,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(response)
	}
}

// planDocument is the import/export file format. Export emits it; import
// replaces the whole plan content from it.
type planDocument struct {
	Name           string             `json:"name"`
	MinWeight      float64            `json:"min_weight"`
	MaxWeight      float64            `json:"max_weight"`
	AllowFreeNodes bool               `json:"allow_free_nodes"`
	SymmetricLinks bool               `json:"symmetric_links"`
	BalanceFactor  float64            `json:"balance_factor"`
	BonusPerGroup  float64            `json:"bonus_per_group"`
	Nodes          []documentNode     `json:"nodes"`
	Links          []documentLink     `json:"links"`
	FixedGroups    []documentFixedGrp `json:"fixed_groups"`
}

type documentNode struct {
	Name   string   `json:"name"`
	Weight float64  `json:"weight"`
	Tags   []string `json:"tags"`
}

type documentLink struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Weight float64 `json:"weight"`
}

type documentFixedGrp struct {
	Name    string   `json:"name"`
	Members []string `json:"members"`
}

func handleExportPlan(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		doc := planDocument{}
		err := db.QueryRow(`
			SELECT name, min_weight, max_weight, allow_free_nodes, symmetric_links, balance_factor, bonus_per_group
			FROM plans WHERE id = $1`, planID).
			Scan(&doc.Name, &doc.MinWeight, &doc.MaxWeight, &doc.AllowFreeNodes, &doc.SymmetricLinks, &doc.BalanceFactor, &doc.BonusPerGroup)
		if err == sql.ErrNoRows {
			http.Error(w, "plan not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		rows, err := db.Query(`
			SELECT n.name, n.weight, COALESCE(
				json_agg(t.tag ORDER BY t.tag) FILTER (WHERE t.id IS NOT NULL),
				'[]'
			)
			FROM nodes n
			LEFT JOIN node_tags t ON t.node_id = n.id
			WHERE n.plan_id = $1
			GROUP BY n.id, n.name, n.weight
			ORDER BY n.name`, planID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer rows.Close()
		for rows.Next() {
			var n documentNode
			var tagsJSON string
			if err := rows.Scan(&n.Name, &n.Weight, &tagsJSON); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			json.Unmarshal([]byte(tagsJSON), &n.Tags)
			doc.Nodes = append(doc.Nodes, n)
		}

		_, links, _, err := loadSolveInput(db, planID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		for _, l := range links {
			doc.Links = append(doc.Links, documentLink{From: l.From, To: l.To, Weight: l.Weight})
		}

		grows, err := db.Query(`
			SELECT fg.name, COALESCE(
				json_agg(n.name ORDER BY n.name) FILTER (WHERE n.id IS NOT NULL),
				'[]'
			)
			FROM fixed_groups fg
			LEFT JOIN fixed_group_members fgm ON fgm.fixed_group_id = fg.id
			LEFT JOIN nodes n ON n.id = fgm.node_id
			WHERE fg.plan_id = $1
			GROUP BY fg.id, fg.name
			ORDER BY fg.id`, planID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer grows.Close()
		for grows.Next() {
			var g documentFixedGrp
			var membersJSON string
			if err := grows.Scan(&g.Name, &membersJSON); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			json.Unmarshal([]byte(membersJSON), &g.Members)
			doc.FixedGroups = append(doc.FixedGroups, g)
		}

		if doc.Nodes == nil {
			doc.Nodes = []documentNode{}
		}
		if doc.Links == nil {
			doc.Links = []documentLink{}
		}
		if doc.FixedGroups == nil {
			doc.FixedGroups = []documentFixedGrp{}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="plan.json"`)
		json.NewEncoder(w).Encode(doc)
	}
}

// validatePlanDocument checks the shapes import relies on before any row is
// written, so a bad file cannot leave a half-replaced plan.
func validatePlanDocument(doc *planDocument) string {
	names := map[string]bool{}
	for _, n := range doc.Nodes {
		if n.Name == "" {
			return "node name must not be empty"
		}
		if names[n.Name] {
			return fmt.Sprintf("duplicate node name %q", n.Name)
		}
		names[n.Name] = true
		if n.Weight < 0 {
			return fmt.Sprintf("node %q weight must be at least 0", n.Name)
		}
	}
	pairs := map[[2]string]bool{}
	for _, l := range doc.Links {
		if !names[l.From] {
			return fmt.Sprintf("link references unknown node %q", l.From)
		}
		if !names[l.To] {
			return fmt.Sprintf("link references unknown node %q", l.To)
		}
		if l.From == l.To {
			return fmt.Sprintf("link from %q to itself", l.From)
		}
		pair := [2]string{l.From, l.To}
		if pairs[pair] {
			return fmt.Sprintf("duplicate link from %q to %q", l.From, l.To)
		}
		pairs[pair] = true
	}
	grouped := map[string]bool{}
	for _, g := range doc.FixedGroups {
		if g.Name == "" {
			return "fixed group name must not be empty"
		}
		for _, m := range g.Members {
			if !names[m] {
				return fmt.Sprintf("fixed group %q references unknown node %q", g.Name, m)
			}
			if grouped[m] {
				return fmt.Sprintf("node %q appears in more than one fixed group", m)
			}
			grouped[m] = true
		}
	}
	return ""
}

func handleImportPlan(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, planID, ok := requirePlanAdmin(db, w, r)
		if !ok {
			return
		}
		var doc planDocument
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if msg := validatePlanDocument(&doc); msg != "" {
			http.Error(w, msg, http.StatusBadRequest)
			return
		}

		tx, err := db.Begin()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer tx.Rollback()

		result, err := tx.Exec(`
			UPDATE plans SET min_weight = $1, max_weight = $2, allow_free_nodes = $3,
				symmetric_links = $4, balance_factor = $5, bonus_per_group = $6,
				name = COALESCE(NULLIF($7, ''), name)
			WHERE id = $8`,
			doc.MinWeight, doc.MaxWeight, doc.AllowFreeNodes, doc.SymmetricLinks,
			doc.BalanceFactor, doc.BonusPerGroup, doc.Name, planID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if n, _ := result.RowsAffected(); n == 0 {
			http.Error(w, "plan not found", http.StatusNotFound)
			return
		}

		for _, stmt := range []string{
			"DELETE FROM solves WHERE plan_id = $1",
			"DELETE FROM fixed_groups WHERE plan_id = $1",
			"DELETE FROM links WHERE plan_id = $1",
			"DELETE FROM nodes WHERE plan_id = $1",
		} {
			if _, err := tx.Exec(stmt, planID); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}

		nodeID := map[string]int64{}
		for _, n := range doc.Nodes {
			var id int64
			if err := tx.QueryRow("INSERT INTO nodes (plan_id, name, weight) VALUES ($1, $2, $3) RETURNING id", planID, n.Name, n.Weight).Scan(&id); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			nodeID[n.Name] = id
			for _, tag := range n.Tags {
				if _, err := tx.Exec("INSERT INTO node_tags (node_id, tag) VALUES ($1, $2)", id, tag); err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
			}
		}
		for _, l := range doc.Links {
			if l.Weight == 0 {
				continue
			}
			if _, err := tx.Exec("INSERT INTO links (plan_id, from_node_id, to_node_id, weight) VALUES ($1, $2, $3, $4)",
				planID, nodeID[l.From], nodeID[l.To], l.Weight); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		for _, g := range doc.FixedGroups {
			var gid int64
			if err := tx.QueryRow("INSERT INTO fixed_groups (plan_id, name) VALUES ($1, $2) RETURNING id", planID, g.Name).Scan(&gid); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			for _, m := range g.Members {
				if _, err := tx.Exec("INSERT INTO fixed_group_members (fixed_group_id, node_id) VALUES ($1, $2)", gid, nodeID[m]); err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
			}
		}

		if err := tx.Commit(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"nodes":        len(doc.Nodes),
			"links":        len(doc.Links),
			"fixed_groups": len(doc.FixedGroups),
		})
	}
}
