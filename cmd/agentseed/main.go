// Command agentseed generates signed synthetic agent deliveries against a
// running agentbridge instance. Useful for demos and for exercising the
// rejection paths: a fraction of deliveries can be sent with bad signatures,
// stale timestamps, or malformed payloads.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/pulseboard/agentbridge/internal/registry"
	"github.com/pulseboard/agentbridge/internal/signature"
)

func main() {
	var (
		serverURL     = flag.String("server", "http://localhost:8091", "agentbridge base URL")
		secret        = flag.String("secret", "", "shared webhook secret")
		count         = flag.Int("count", 50, "number of deliveries to send")
		correlationID = flag.String("correlation-id", "", "correlation id to attach (empty for ad-hoc deliveries)")
		badSigPct     = flag.Float64("bad-signature-pct", 0, "fraction of deliveries signed with a wrong secret (0-1)")
		stalePct      = flag.Float64("stale-pct", 0, "fraction of deliveries with a 10 minute old timestamp (0-1)")
		malformedPct  = flag.Float64("malformed-pct", 0, "fraction of deliveries with broken JSON (0-1)")
		interval      = flag.Duration("interval", 50*time.Millisecond, "pause between deliveries")
		seed          = flag.Int64("seed", 0, "random seed (0 for time-based)")
	)
	flag.Parse()

	if *secret == "" {
		log.Fatal("-secret is required")
	}
	if *seed != 0 {
		gofakeit.Seed(*seed)
		rand.Seed(*seed)
	}

	reg := registry.Default()
	agents := reg.Agents
	client := &http.Client{Timeout: 10 * time.Second}

	sent, accepted := 0, 0
	for i := 0; i < *count; i++ {
		agent := agents[rand.Intn(len(agents))]

		payload := map[string]any{
			"agentId":         agent.ID,
			"confidenceScore": gofakeit.Float64Range(40, 100),
			"tier":            string(agent.Tier),
			"generatedAt":     time.Now().UTC().Add(-time.Duration(rand.Intn(3600)) * time.Second).Format(time.RFC3339),
			"summary":         gofakeit.Sentence(8),
			"data": map[string]any{
				"metric":     gofakeit.BuzzWord(),
				"value":      gofakeit.Float64Range(0, 10000),
				"trend":      gofakeit.RandomString([]string{"up", "down", "flat"}),
				"confidence": gofakeit.Float64Range(0, 1),
			},
		}
		if *correlationID != "" {
			payload["correlationId"] = *correlationID
			payload["offset"] = int64(i)
		}

		body, err := json.Marshal(payload)
		if err != nil {
			log.Fatalf("failed to marshal payload: %v", err)
		}

		signSecret := *secret
		ts := time.Now()
		switch {
		case roll(*badSigPct):
			signSecret = *secret + "-wrong"
		case roll(*stalePct):
			ts = ts.Add(-10 * time.Minute)
		case roll(*malformedPct):
			body = body[:len(body)/2]
		}

		header := signature.Sign(body, signSecret, ts)

		req, err := http.NewRequest(http.MethodPost, *serverURL+"/webhook", bytes.NewReader(body))
		if err != nil {
			log.Fatalf("failed to build request: %v", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Bridge-Signature", header)

		resp, err := client.Do(req)
		if err != nil {
			log.Fatalf("delivery failed: %v", err)
		}
		resp.Body.Close()

		sent++
		if resp.StatusCode == http.StatusAccepted {
			accepted++
		} else {
			fmt.Printf("delivery %d from %s: %s\n", i, agent.ID, resp.Status)
		}

		time.Sleep(*interval)
	}

	fmt.Printf("sent %d deliveries, %d accepted\n", sent, accepted)
}

func roll(pct float64) bool {
	return pct > 0 && rand.Float64() < pct
}
