package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-auction/internal/auction"
	"github.com/ksred/klear-auction/internal/config"
	"github.com/ksred/klear-auction/internal/guarantee"
	"github.com/ksred/klear-auction/internal/server"
	"github.com/ksred/klear-auction/pkg/logging"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
)

const (
	numAuctions   = 6
	bidsPerBidder = 12
	numWorkers    = 8
	port          = "8081"
	serverAddress = "http://localhost:" + port
)

var auctionTypes = []string{"CAPITAL", "SUPPLY_CONTRACT"}

type bidder struct {
	entityID string
	role     string
	trust    float64
}

var bidders = []bidder{
	{"inv_alpha", "INVESTOR", 85},
	{"inv_beta", "INVESTOR", 55},
	{"inv_gamma", "INVESTOR", 20},
	{"sup_delta", "SUPPLIER", 70},
	{"sup_eps", "SUPPLIER", 35},
	{"gtr_zeta", "GUARANTOR", 90},
	{"gtr_eta", "GUARANTOR", 45},
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) record(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99 of the recorded durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]
	return
}

// simulationClient talks to the engine API on behalf of many entities
type simulationClient struct {
	baseURL string
	client  *http.Client
	tokens  map[string]string
	stats   map[string]*routeStats
}

type apiError struct {
	status int
	code   string
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d (%s): %s", e.status, e.code, e.body)
}

func newSimulationClient(entities []string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		tokens:  make(map[string]string),
		stats: map[string]*routeStats{
			"auth":     {name: "Authentication"},
			"create":   {name: "Create Auction"},
			"start":    {name: "Start Auction"},
			"bid":      {name: "Place Bid"},
			"close":    {name: "Close Auction"},
			"guar":     {name: "Guarantee Request"},
			"guar_bid": {name: "Guarantee Bid"},
			"allocate": {name: "Allocate Guarantee"},
		},
	}

	for _, entityID := range entities {
		token, err := sc.authenticate(entityID)
		if err != nil {
			return nil, fmt.Errorf("failed to authenticate %s: %w", entityID, err)
		}
		sc.tokens[entityID] = token
	}
	return sc, nil
}

func (sc *simulationClient) authenticate(entityID string) (string, error) {
	var result struct {
		Token string `json:"jwt_token"`
	}
	err := sc.call("auth", "", http.MethodPost, "/api/v1/auth/token", map[string]string{
		"api_key":    entityID + "-key",
		"api_secret": entityID + "-secret",
	}, &result)
	return result.Token, err
}

// call sends one request as entityID and decodes the data field of the envelope
func (sc *simulationClient) call(stat, entityID, method, path string, body, out interface{}) error {
	start := time.Now()
	var failed bool
	defer func() {
		sc.stats[stat].record(time.Since(start), failed)
	}()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := sc.tokens[entityID]; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if method == http.MethodPost {
		req.Header.Set("Idempotency-Key", uuid.New().String())
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		failed = true
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		failed = true
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		failed = true
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if !envelope.Success {
		failed = true
		apiErr := &apiError{status: resp.StatusCode, body: string(respBody)}
		if envelope.Error != nil {
			apiErr.code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.Unmarshal(envelope.Data, out)
	}
	return nil
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// simulationConfig is an in-memory engine with every simulated entity seeded
func simulationConfig() *config.Config {
	cfg := &config.Config{
		Server:   config.ServerConfig{Port: port, Mode: "release"},
		Database: config.DatabaseConfig{Driver: "sqlite", DSN: "file:simulation?mode=memory&cache=shared"},
		Auth:     config.AuthConfig{JWTSecret: "simulation-secret"},
		Engine: config.EngineConfig{
			CollaboratorTimeout: 2 * time.Second,
			SweepInterval:       time.Second,
			IdempotencyPurge:    time.Hour,
		},
		Log: config.LogConfig{Level: "info", Pretty: true},
	}

	entities := append([]bidder{{"issuer_sim", "ISSUER", 100}}, bidders...)
	for _, b := range entities {
		trust := b.trust
		cfg.Seed.Participants = append(cfg.Seed.Participants, config.SeedParticipant{
			EntityID:   b.entityID,
			Role:       b.role,
			TrustScore: &trust,
		})
		cfg.Auth.APICredentials = append(cfg.Auth.APICredentials, config.APICredential{
			APIKey:    b.entityID + "-key",
			APISecret: b.entityID + "-secret",
			EntityID:  b.entityID,
		})
	}
	return cfg
}

// main starts an in-process engine and drives concurrent bidders against it
func main() {
	cfg := simulationConfig()
	closer := logging.Setup(cfg.Log)
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}
	go func() {
		if err := srv.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Server stopped")
			os.Exit(1)
		}
	}()
	time.Sleep(time.Second)

	entities := []string{"issuer_sim"}
	for _, b := range bidders {
		entities = append(entities, b.entityID)
	}
	sc, err := newSimulationClient(entities)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	started := time.Now()

	auctionIDs := make([]string, 0, numAuctions)
	for i := 0; i < numAuctions; i++ {
		now := time.Now().UTC()
		var view auction.AuctionView
		err := sc.call("create", "issuer_sim", http.MethodPost, "/api/v1/auctions", map[string]interface{}{
			"type":          auctionTypes[i%len(auctionTypes)],
			"currency":      "USD",
			"reserve_price": "1000",
			"start_time":    now.Add(time.Minute),
			"end_time":      now.Add(time.Hour),
		}, &view)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create auction")
			continue
		}
		if err := sc.call("start", "issuer_sim", http.MethodPost, "/api/v1/auctions/"+view.Auction.AuctionID+"/start", nil, nil); err != nil {
			log.Error().Err(err).Str("auction_id", view.Auction.AuctionID).Msg("Failed to start auction")
			continue
		}
		auctionIDs = append(auctionIDs, view.Auction.AuctionID)
	}
	if len(auctionIDs) == 0 {
		log.Fatal().Msg("No auctions to bid on")
	}

	var guaranteeView guarantee.RequestView
	err = sc.call("guar", "issuer_sim", http.MethodPost, "/api/v1/guarantees", map[string]string{
		"guarantee_type":     "CREDIT_RISK",
		"currency":           "USD",
		"requested_coverage": "100",
		"notional_amount":    "5000000",
	}, &guaranteeView)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create guarantee request")
	}
	requestID := guaranteeView.Request.RequestID
	if err := sc.call("guar", "issuer_sim", http.MethodPost, "/api/v1/guarantees/"+requestID+"/open", nil, nil); err != nil {
		log.Fatal().Err(err).Msg("Failed to open guarantee bidding")
	}

	pool, err := ants.NewPool(numWorkers)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create bidder pool")
	}
	defer pool.Release()

	var (
		wg       sync.WaitGroup
		placed   atomic.Int64
		rejected atomic.Int64
		denials  sync.Map
	)
	layers := []string{"FIRST_LOSS", "MEZZANINE", "SENIOR"}

	for _, b := range bidders {
		b := b
		for i := 0; i < bidsPerBidder; i++ {
			wg.Add(1)
			task := func() {
				defer wg.Done()
				var err error
				if b.role == "GUARANTOR" {
					err = sc.call("guar_bid", b.entityID, http.MethodPost, "/api/v1/guarantees/"+requestID+"/bids", map[string]string{
						"coverage_percent": fmt.Sprintf("%d", rand.Intn(30)+5),
						"fee_percent":      fmt.Sprintf("%.2f", rand.Float64()*4+0.5),
						"layer":            layers[rand.Intn(len(layers))],
					}, nil)
				} else {
					auctionID := auctionIDs[rand.Intn(len(auctionIDs))]
					err = sc.call("bid", b.entityID, http.MethodPost, "/api/v1/auctions/"+auctionID+"/bids", map[string]string{
						"price": fmt.Sprintf("%d", rand.Intn(900)+600),
					}, nil)
				}
				if err != nil {
					rejected.Add(1)
					code := "TRANSPORT"
					if apiErr, ok := err.(*apiError); ok {
						code = apiErr.code
					}
					count, _ := denials.LoadOrStore(code, new(atomic.Int64))
					count.(*atomic.Int64).Add(1)
					return
				}
				placed.Add(1)
			}
			if err := pool.Submit(task); err != nil {
				wg.Done()
				log.Error().Err(err).Msg("Failed to submit bid task")
			}
		}
	}
	wg.Wait()

	log.Info().
		Int64("placed", placed.Load()).
		Int64("rejected", rejected.Load()).
		Msg("Bidding finished, closing auctions")

	cleared, unfilled := 0, 0
	for _, id := range auctionIDs {
		var view auction.AuctionView
		if err := sc.call("close", "issuer_sim", http.MethodPost, "/api/v1/auctions/"+id+"/close", nil, &view); err != nil {
			log.Error().Err(err).Str("auction_id", id).Msg("Failed to close auction")
			continue
		}
		if view.AcceptedBid == nil {
			unfilled++
			log.Info().Str("auction_id", id).Msg("Auction closed without a qualifying bid")
			continue
		}
		cleared++
		log.Info().
			Str("auction_id", id).
			Str("type", string(view.Auction.Type)).
			Str("winner", view.AcceptedBid.BidderID).
			Str("cleared_price", view.Auction.ClearedPrice.Decimal.String()).
			Int("bids", len(view.Bids)).
			Msg("Auction cleared")
	}

	var allocated guarantee.RequestView
	if err := sc.call("allocate", "issuer_sim", http.MethodPost, "/api/v1/guarantees/"+requestID+"/allocate", nil, &allocated); err != nil {
		log.Error().Err(err).Msg("Failed to allocate guarantee")
	}

	duration := time.Since(started)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("AUCTION SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Bids placed:        %d
Bids rejected:      %d
Auctions cleared:   %d
Auctions unfilled:  %d
Duration:           %v
`, placed.Load(), rejected.Load(), cleared, unfilled, duration.Round(time.Millisecond))

	fmt.Println("\nRejections by code")
	fmt.Println("------------------")
	denials.Range(func(key, value interface{}) bool {
		fmt.Printf("%-28s %d\n", key, value.(*atomic.Int64).Load())
		return true
	})

	if allocated.Request != nil {
		fmt.Println("\nGuarantee allocation")
		fmt.Println("--------------------")
		fmt.Printf("Status:    %s\nCoverage:  %s%% of %s%%\nCovered:   %s %s\n",
			allocated.Request.Status,
			allocated.Request.AllocatedCoverage, allocated.Request.RequestedCoverage,
			allocated.CoveredAmount, allocated.Request.Currency)
		for _, layer := range allocated.Layers {
			bar := strings.Repeat("#", int(layer.Allocated.IntPart()/5))
			fmt.Printf("%-11s %s (%s%%, %d bids)\n", layer.Layer, bar, layer.Allocated, layer.Bids)
		}
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	sc.printPerformanceStats()
	cancel()
	time.Sleep(200 * time.Millisecond)
}
