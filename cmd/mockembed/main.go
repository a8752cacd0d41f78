// mockembed is a stand-in embedding service for local development and
// load testing. Vectors are derived deterministically from the image
// bytes, so repeated requests for the same image return the same
// vector and cache behavior can be exercised end to end. The
// -fail-rate flag injects transient 503s to exercise client retries
// and the circuit breaker.
package main

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"flag"
	"log"
	"math"
	"math/rand"
	"net/http"
	"time"
)

type embedRequest struct {
	Model       string `json:"model"`
	Image       string `json:"image"`
	ContentType string `json:"content_type"`
}

type embedResponse struct {
	Vector     []float32 `json:"vector"`
	Dimensions int       `json:"dimensions"`
	Model      string    `json:"model"`
}

func main() {
	addr := flag.String("addr", ":9000", "listen address")
	dims := flag.Int("dims", 512, "vector dimensions")
	delay := flag.Duration("delay", 0, "simulated inference latency")
	failRate := flag.Float64("fail-rate", 0, "fraction of requests answered with 503")
	flag.Parse()

	http.HandleFunc("/embed", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
			return
		}
		if *failRate > 0 && rand.Float64() < *failRate {
			log.Printf("Mock embed request: injected failure")
			http.Error(w, `{"error":"simulated overload"}`, http.StatusServiceUnavailable)
			return
		}

		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, `{"error":"malformed request body"}`, http.StatusBadRequest)
			return
		}
		if req.Image == "" {
			http.Error(w, `{"error":"image is required"}`, http.StatusBadRequest)
			return
		}

		if *delay > 0 {
			time.Sleep(*delay)
		}

		log.Printf("Mock embed request: model=%s content_type=%s bytes=%d",
			req.Model, req.ContentType, len(req.Image))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(embedResponse{
			Vector:     deriveVector(req.Image, *dims),
			Dimensions: *dims,
			Model:      req.Model,
		})
	})

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	log.Printf("Starting mock embedding service on %s (dims=%d delay=%s fail-rate=%.2f)",
		*addr, *dims, *delay, *failRate)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

// deriveVector expands a hash of the payload into a unit vector, so
// identical images always embed identically.
func deriveVector(payload string, dims int) []float32 {
	sum := sha256.Sum256([]byte(payload))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	rng := rand.New(rand.NewSource(seed))

	vec := make([]float32, dims)
	var norm float64
	for i := range vec {
		f := rng.Float64()*2 - 1
		vec[i] = float32(f)
		norm += f * f
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
