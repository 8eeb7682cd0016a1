package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"

	"github.com/inaiurai/listenrewards/internal/sessionclock"
)

type State struct {
	Token   string `json:"token"`
	Address string `json:"address"`
}

func homeFile(name string) string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, name)
}

func statePath() string { return homeFile(".listenrewards.json") }

func saveState(s State) error {
	b, _ := json.Marshal(s)
	return os.WriteFile(statePath(), b, 0o600)
}

func loadState() (State, error) {
	b, err := os.ReadFile(statePath())
	if err != nil {
		return State{}, errors.New("not logged in")
	}
	var s State
	err = json.Unmarshal(b, &s)
	return s, err
}

func doJSON(method, url, token string, body any, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if out != nil {
		_ = json.NewDecoder(res.Body).Decode(out)
	}
	return res.StatusCode, nil
}

// login signs the server's challenge with the wallet key in LISTENER_PRIVATE_KEY.
func login(api string) error {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(os.Getenv("LISTENER_PRIVATE_KEY"), "0x"))
	if err != nil {
		return fmt.Errorf("LISTENER_PRIVATE_KEY: %w", err)
	}
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()

	var ch struct {
		Challenge string `json:"challenge"`
		Message   string `json:"message"`
	}
	code, err := doJSON(http.MethodPost, api+"/api/v1/auth/challenge", "", map[string]string{"address": addr}, &ch)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return fmt.Errorf("challenge failed: %d", code)
	}

	sig, err := crypto.Sign(accounts.TextHash([]byte(ch.Message)), key)
	if err != nil {
		return err
	}
	sig[crypto.RecoveryIDOffset] += 27

	var out struct {
		Token   string `json:"token"`
		Address string `json:"address"`
	}
	code, err = doJSON(http.MethodPost, api+"/api/v1/auth/verify", "", map[string]string{
		"challenge": ch.Challenge,
		"signature": hexutil.Encode(sig),
	}, &out)
	if err != nil {
		return err
	}
	if code != http.StatusOK || out.Token == "" {
		return fmt.Errorf("login failed: %d", code)
	}
	if err := saveState(State{Token: out.Token, Address: out.Address}); err != nil {
		return err
	}
	fmt.Println("logged in as", out.Address)
	return nil
}

// listen runs the session clock until interrupted, then reports the tail.
func listen(api, station string) error {
	s, err := loadState()
	if err != nil {
		return err
	}
	totals, err := sessionclock.OpenTotals(homeFile(".listenrewards.db"))
	if err != nil {
		return err
	}
	defer totals.Close()

	clock := sessionclock.New(sessionclock.Config{
		Identity:  s.Address,
		StationID: station,
		Cadence:   time.Minute,
	}, sessionclock.NewHTTPReporter(api, s.Token, 10*time.Second), totals, slog.Default())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("listening to", station, "(ctrl-c to stop)")
	clock.Start()
	_ = clock.Run(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := clock.Stop(stopCtx); err != nil {
		fmt.Println("final report pending:", err)
	}
	fmt.Println("verified seconds:", clock.Verified())
	return nil
}

func status(api string) error {
	s, err := loadState()
	if err != nil {
		return err
	}
	var lt struct {
		VerifiedTime int64 `json:"verified_time"`
		Pending      int64 `json:"pending_reward_seconds"`
	}
	if _, err := doJSON(http.MethodGet, api+"/api/v1/listeners/"+s.Address+"/listening-time", "", nil, &lt); err != nil {
		return err
	}
	var el struct {
		Eligible     bool   `json:"eligible"`
		NextRewardIn int64  `json:"next_reward_in"`
		Available    int64  `json:"available_rewards"`
		Reason       string `json:"reason"`
	}
	if _, err := doJSON(http.MethodGet, api+"/api/v1/listeners/"+s.Address+"/eligibility", "", nil, &el); err != nil {
		return err
	}
	fmt.Printf("address:   %s\nverified:  %ds\npending:   %ds\neligible:  %v\n", s.Address, lt.VerifiedTime, lt.Pending, el.Eligible)
	if !el.Eligible {
		fmt.Printf("next in:   %ds (%s)\n", el.NextRewardIn, el.Reason)
	}

	if totals, err := sessionclock.OpenTotals(homeFile(".listenrewards.db")); err == nil {
		defer totals.Close()
		if t, err := totals.Get(context.Background(), s.Address); err == nil {
			fmt.Printf("local:     %ds (advisory)\n", t.LocalSeconds)
		}
	}
	return nil
}

func claim(api string) error {
	s, err := loadState()
	if err != nil {
		return err
	}
	var out map[string]any
	code, err := doJSON(http.MethodPost, api+"/api/v1/claims", s.Token, map[string]string{"user_address": s.Address}, &out)
	if err != nil {
		return err
	}
	b, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(b))
	if code != http.StatusCreated {
		return fmt.Errorf("claim failed: %d", code)
	}
	return nil
}

func logout() error {
	return os.Remove(statePath())
}

func main() {
	_ = godotenv.Load()
	if len(os.Args) < 2 {
		fmt.Println("usage: listener <login|listen|status|claim|logout> [station_id]")
		os.Exit(1)
	}
	api := os.Getenv("LISTENREWARDS_API")
	if api == "" {
		api = "http://127.0.0.1:8080"
	}

	var err error
	switch os.Args[1] {
	case "login":
		err = login(api)
	case "listen":
		if len(os.Args) < 3 {
			fmt.Println("usage: listener listen <station_id>")
			os.Exit(1)
		}
		err = listen(api, os.Args[2])
	case "status":
		err = status(api)
	case "claim":
		err = claim(api)
	case "logout":
		err = logout()
	default:
		err = fmt.Errorf("unknown command")
	}
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}
