package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"orchid.org/internal/grpcapi"
)

type session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	AccountRole  string `json:"account_role"`
}

type counters struct {
	ok, failed atomic.Int64
}

func main() {
	log.SetFlags(0)
	var (
		baseURL  = flag.String("base-url", "http://localhost:8080", "API base URL")
		grpcAddr = flag.String("grpc-addr", os.Getenv("ORCHID_GRPC_ADDR"), "gRPC address (optional)")
		email    = flag.String("email", "user@example.com", "Account email")
		password = flag.String("password", "orchid-demo", "Account password")
		workers  = flag.Int("workers", 2, "Concurrent workers")
		rounds   = flag.Int("rounds", 5, "Login/refresh/logout rounds per worker (logins are rate limited per IP)")
		timeout  = flag.Duration("timeout", time.Minute, "Overall deadline")
	)
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := &http.Client{Timeout: 10 * time.Second}
	var sessions *grpcapi.Client
	if *grpcAddr != "" {
		conn, err := grpc.NewClient(*grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			log.Fatalf("dial grpc %s: %v", *grpcAddr, err)
		}
		defer conn.Close()
		sessions = grpcapi.NewClient(conn)
	}

	var c counters
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < *workers; w++ {
		g.Go(func() error {
			for i := 0; i < *rounds; i++ {
				if err := round(gctx, client, sessions, *baseURL, *email, *password); err != nil {
					c.failed.Add(1)
					log.Printf("round failed: %v", err)
					continue
				}
				c.ok.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	fmt.Printf("rounds ok=%d failed=%d elapsed=%s\n", c.ok.Load(), c.failed.Load(), time.Since(start).Round(time.Millisecond))
	if c.failed.Load() > 0 {
		os.Exit(1)
	}
}

// round runs login, whoami, refresh, a replayed refresh and logout.
func round(ctx context.Context, client *http.Client, sessions *grpcapi.Client, baseURL, email, password string) error {
	var sess session
	if err := call(ctx, client, http.MethodPost, baseURL+"/api/v1/auth/login", "",
		map[string]string{"email": email, "password": password}, http.StatusOK, &sess); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := call(ctx, client, http.MethodGet, baseURL+"/api/v1/accounts/me", sess.AccessToken, nil, http.StatusOK, nil); err != nil {
		return fmt.Errorf("me: %w", err)
	}
	if sessions != nil {
		md := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+sess.AccessToken)
		if _, err := sessions.WhoAmI(md); err != nil {
			return fmt.Errorf("grpc whoami: %w", err)
		}
	}

	var next session
	if err := call(ctx, client, http.MethodPost, baseURL+"/api/v1/auth/refresh", "",
		map[string]string{"refresh_token": sess.RefreshToken}, http.StatusOK, &next); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	if err := call(ctx, client, http.MethodPost, baseURL+"/api/v1/auth/refresh", "",
		map[string]string{"refresh_token": sess.RefreshToken}, http.StatusNotFound, nil); err != nil {
		return fmt.Errorf("replayed refresh: %w", err)
	}
	if err := call(ctx, client, http.MethodPost, baseURL+"/api/v1/auth/logout", next.AccessToken, nil, http.StatusNoContent, nil); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func call(ctx context.Context, client *http.Client, method, url, token string, body any, want int, out any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d, want %d: %s", resp.StatusCode, want, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Join(errors.New("decode response"), err)
	}
	return nil
}
