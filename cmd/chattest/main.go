// Package main provides a load testing tool for the conversation WebSocket server.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"huddle/internal/middleware"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// Metrics tracks the test results
type Metrics struct {
	ConnectionsAttempted int64
	ConnectionsSuccess   int64
	ConnectionsFailed    int64
	MessagesSent         int64
	MessagesAcked        int64
	EventsReceived       int64
	Errors               int64
}

var metrics Metrics

type probe struct {
	host           string
	secret         string
	conversationID uint
	interval       time.Duration
}

func main() {
	host := flag.String("host", "localhost:8375", "API server host")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "JWT secret used to mint client tokens")
	conversation := flag.Uint("conversation", 1, "Conversation every client joins and writes to")
	firstUser := flag.Uint("first-user", 1, "User ID of the first client; clients use consecutive IDs")
	clients := flag.Int("clients", 50, "Number of concurrent clients")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	interval := flag.Duration("interval", 5*time.Second, "Delay between messages per client")
	flag.Parse()

	if *secret == "" {
		log.Fatal("a JWT secret is required (-secret or JWT_SECRET)")
	}

	log.Printf("Starting conversation load test")
	log.Printf("Target: %s, conversation %d", *host, *conversation)
	log.Printf("Clients: %d, duration: %v", *clients, *duration)

	p := probe{host: *host, secret: *secret, conversationID: *conversation, interval: *interval}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	stopChan := make(chan struct{})

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go p.runClient(*firstUser+uint(i), stopChan, &wg)
		time.Sleep(50 * time.Millisecond) // Stagger connections to spread ticket issuance
	}

	select {
	case <-time.After(*duration):
		log.Println("Test duration reached")
	case <-interrupt:
		log.Println("Interrupted by user")
	}

	close(stopChan)
	log.Println("Waiting for clients to disconnect...")
	wg.Wait()

	printMetrics()
}

var errNoTickets = errors.New("tickets unavailable")

func (p probe) getTicket(token string) (string, error) {
	ticketURL := fmt.Sprintf("http://%s/api/ws/ticket", p.host)
	req, _ := http.NewRequest(http.MethodPost, ticketURL, nil)
	req.Header.Set("Authorization", "Bearer "+token)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusServiceUnavailable:
		return "", errNoTickets
	default:
		return "", fmt.Errorf("ticket issuance failed with status %d", resp.StatusCode)
	}

	var result struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Ticket, nil
}

// dial connects with a ticket when the server issues them and falls back to a
// bearer header on single-instance servers.
func (p probe) dial(userID uint) (*websocket.Conn, error) {
	token, err := middleware.SignToken(middleware.Identity{
		UserID:   userID,
		UserName: fmt.Sprintf("loadtest-%d", userID),
	}, p.secret, time.Hour)
	if err != nil {
		return nil, err
	}

	u := url.URL{Scheme: "ws", Host: p.host, Path: "/api/ws"}
	header := http.Header{}
	ticket, err := p.getTicket(token)
	switch {
	case err == nil:
		u.RawQuery = "ticket=" + url.QueryEscape(ticket)
	case errors.Is(err, errNoTickets):
		header.Set("Authorization", "Bearer "+token)
	default:
		return nil, err
	}

	c, resp, err := websocket.DefaultDialer.Dial(u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return c, err
}

func (p probe) runClient(userID uint, stopChan <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	atomic.AddInt64(&metrics.ConnectionsAttempted, 1)

	c, err := p.dial(userID)
	if err != nil {
		atomic.AddInt64(&metrics.ConnectionsFailed, 1)
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}
	defer func() { _ = c.Close() }()

	atomic.AddInt64(&metrics.ConnectionsSuccess, 1)

	// Writes are serialized through this goroutine; the reader only counts.
	go func() {
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			atomic.AddInt64(&metrics.EventsReceived, 1)
			switch gjson.GetBytes(data, "type").String() {
			case "message_ack":
				atomic.AddInt64(&metrics.MessagesAcked, 1)
			case "error":
				atomic.AddInt64(&metrics.Errors, 1)
			}
		}
	}()

	if err := c.WriteJSON(map[string]any{"type": "join", "conversation_id": p.conversationID}); err != nil {
		atomic.AddInt64(&metrics.Errors, 1)
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	heartbeat := time.NewTicker(20 * time.Second)
	defer heartbeat.Stop()

	seq := 0
	for {
		select {
		case <-stopChan:
			_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-heartbeat.C:
			if err := c.WriteJSON(map[string]any{"type": "heartbeat"}); err != nil {
				atomic.AddInt64(&metrics.Errors, 1)
				return
			}
		case <-ticker.C:
			seq++
			err := c.WriteJSON(map[string]any{
				"type":            "message",
				"conversation_id": p.conversationID,
				"client_id":       fmt.Sprintf("%d-%d", userID, seq),
				"content":         fmt.Sprintf("Load test message %d from user %d", seq, userID),
			})
			if err != nil {
				atomic.AddInt64(&metrics.Errors, 1)
				return
			}
			atomic.AddInt64(&metrics.MessagesSent, 1)
		}
	}
}

func printMetrics() {
	log.Println("Test Results")
	log.Println("===============")
	log.Printf("Connections Attempted: %d", atomic.LoadInt64(&metrics.ConnectionsAttempted))
	log.Printf("Connections Successful: %d", atomic.LoadInt64(&metrics.ConnectionsSuccess))
	log.Printf("Connections Failed: %d", atomic.LoadInt64(&metrics.ConnectionsFailed))
	log.Printf("Messages Sent: %d", atomic.LoadInt64(&metrics.MessagesSent))
	log.Printf("Messages Acked: %d", atomic.LoadInt64(&metrics.MessagesAcked))
	log.Printf("Events Received: %d", atomic.LoadInt64(&metrics.EventsReceived))
	log.Printf("Total Errors: %d", atomic.LoadInt64(&metrics.Errors))
}
