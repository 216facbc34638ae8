package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	numGroups     = 8
	numBuyers     = 40
	numWorkers    = 5
	serverAddress = "http://localhost:8080"
	jwtSecret     = "groupcart-secret-key"
)

var products = []string{"PROD_RICE_25KG", "PROD_OLIVE_OIL_5L", "PROD_COFFEE_3KG", "PROD_FLOUR_10KG", "PROD_HONEY_2KG"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes min, max, mean and median durations for the route
func (rs *routeStats) calculate() (min, max, mean, median time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0
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

	return
}

// simulationClient handles HTTP communication with the group-buying API
type simulationClient struct {
	baseURL string
	client  *http.Client
	stats   map[string]*routeStats
}

func newSimulationClient() *simulationClient {
	return &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"create": {name: "Create Group"},
			"commit": {name: "Commit"},
			"cancel": {name: "Cancel Commitment"},
			"settle": {name: "Settle Group"},
			"scan":   {name: "Run Scan"},
		},
	}
}

// mintToken signs a buyer token locally with the shared demo secret, so the
// simulation can act as many distinct buyers without a registration flow.
func mintToken(buyerID string) (string, error) {
	claims := jwt.MapClaims{
		"buyer_id":    buyerID,
		"permissions": []string{"commit"},
		"exp":         time.Now().Add(time.Hour).Unix(),
		"iat":         time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(jwtSecret))
}

// doJSON performs an authenticated JSON request and decodes the standard
// response envelope, returning the data payload.
func (sc *simulationClient) doJSON(method, path, token string, body interface{}, statKey string) (json.RawMessage, error) {
	start := time.Now()

	var reader *bytes.Buffer
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewBuffer(encoded)
	} else {
		reader = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := sc.client.Do(req)
	failed := err != nil
	defer func() {
		if st, ok := sc.stats[statKey]; ok {
			st.addDuration(time.Since(start), failed)
		}
	}()
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var envelope struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		failed = true
		return nil, err
	}
	if !envelope.Success {
		failed = true
		if envelope.Error != nil {
			return nil, fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		}
		return nil, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	return envelope.Data, nil
}

// createGroup opens a new buying group and returns its ID
func (sc *simulationClient) createGroup(token string, shortLived bool) (string, error) {
	target := 40 + rand.Intn(81) // 40-120 units
	min := target * (50 + rand.Intn(21)) / 100

	expiry := time.Now().Add(24 * time.Hour)
	if shortLived {
		// Expires almost immediately so the expiry scan has work to do.
		expiry = time.Now().Add(2 * time.Second)
	}

	payload := map[string]interface{}{
		"product_id":       products[rand.Intn(len(products))],
		"target_quantity":  target,
		"min_quantity":     min,
		"unit_price":       5 + rand.Float64()*45,
		"discount_percent": 5 + rand.Intn(26),
		"center_lat":       51.45 + rand.Float64()*0.1,
		"center_lng":       -2.65 + rand.Float64()*0.1,
		"radius_km":        3 + rand.Float64()*7,
		"expires_at":       expiry,
	}

	data, err := sc.doJSON(http.MethodPost, "/api/v1/groups", token, payload, "create")
	if err != nil {
		return "", err
	}

	var group struct {
		GroupID string `json:"group_id"`
	}
	if err := json.Unmarshal(data, &group); err != nil {
		return "", err
	}
	return group.GroupID, nil
}

// commit pledges a random quantity for the buyer
func (sc *simulationClient) commit(token, groupID string, quantity int) error {
	payload := map[string]interface{}{
		"quantity":     quantity,
		"delivery_ref": fmt.Sprintf("ADDR_%04d", rand.Intn(10000)),
	}
	_, err := sc.doJSON(http.MethodPost, "/api/v1/groups/"+groupID+"/commitments", token, payload, "commit")
	return err
}

func main() {
	log.Info().Msg("starting group-buying simulation")

	sc := newSimulationClient()

	operatorToken, err := mintToken("sim-operator")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to mint operator token")
	}

	buyerTokens := make([]string, numBuyers)
	for i := range buyerTokens {
		token, err := mintToken(fmt.Sprintf("buyer-%03d", i))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to mint buyer token")
		}
		buyerTokens[i] = token
	}

	// Create groups; a third of them expire almost immediately
	groupIDs := make([]string, 0, numGroups)
	for i := 0; i < numGroups; i++ {
		groupID, err := sc.createGroup(operatorToken, i%3 == 0)
		if err != nil {
			log.Error().Err(err).Msg("failed to create group")
			continue
		}
		groupIDs = append(groupIDs, groupID)
	}
	log.Info().Int("groups", len(groupIDs)).Msg("groups created")

	// Concurrent commits from a pool of workers
	var wg sync.WaitGroup
	work := make(chan int, numBuyers)
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for buyer := range work {
				groupID := groupIDs[rand.Intn(len(groupIDs))]
				quantity := 1 + rand.Intn(15)
				if err := sc.commit(buyerTokens[buyer], groupID, quantity); err != nil {
					log.Debug().Err(err).Str("group_id", groupID).Msg("commit rejected")
				}
			}
		}()
	}
	for buyer := 0; buyer < numBuyers; buyer++ {
		work <- buyer
	}
	close(work)
	wg.Wait()
	log.Info().Msg("commit phase complete")

	// A few buyers change their minds
	for i := 0; i < numBuyers/10; i++ {
		groupID := groupIDs[rand.Intn(len(groupIDs))]
		if _, err := sc.doJSON(http.MethodDelete, "/api/v1/groups/"+groupID+"/commitments",
			buyerTokens[rand.Intn(numBuyers)], nil, "cancel"); err != nil {
			log.Debug().Err(err).Msg("cancel rejected")
		}
	}

	// Wait out the short-lived groups, then run the scans
	time.Sleep(3 * time.Second)
	if _, err := sc.doJSON(http.MethodPost, "/api/v1/internal/scans/threshold", operatorToken, nil, "scan"); err != nil {
		log.Error().Err(err).Msg("threshold scan failed")
	}
	if _, err := sc.doJSON(http.MethodPost, "/api/v1/internal/scans/expiry", operatorToken, nil, "scan"); err != nil {
		log.Error().Err(err).Msg("expiry scan failed")
	}

	// Manual settle pass over every group for final states
	for _, groupID := range groupIDs {
		if _, err := sc.doJSON(http.MethodPost, "/api/v1/internal/settlement/"+groupID, operatorToken, nil, "settle"); err != nil {
			log.Debug().Err(err).Str("group_id", groupID).Msg("settle skipped")
		}
	}

	printStats(sc)
}

// printStats reports per-route latency statistics
func printStats(sc *simulationClient) {
	fmt.Println("\n=== Simulation Route Statistics ===")
	for _, st := range sc.stats {
		min, max, mean, median := st.calculate()
		if st.totalCalls == 0 {
			continue
		}
		fmt.Printf("%-20s calls=%-4d failures=%-3d min=%-12s max=%-12s mean=%-12s median=%s\n",
			st.name, st.totalCalls, st.failures, min, max, mean, median)
	}
}
