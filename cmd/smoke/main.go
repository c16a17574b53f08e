package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"tenuto.io/safety/internal/identity"
)

// Smoke probe: mints a short-lived bearer and walks one
// authorize → preview → execute round against a running safetyd.
func main() {
	base := os.Getenv("SAFETY_SMOKE_ADDR")
	if base == "" {
		base = "http://localhost:8080"
	}
	entityID := os.Getenv("SAFETY_SMOKE_ENTITY")
	if entityID == "" {
		entityID = "smoke-entity"
	}

	bearer, err := identity.GenerateToken("smoke-operator", []string{"admin"}, nil, 2*time.Minute)
	if err != nil {
		log.Fatalf("mint bearer: %v", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	operation := "deletion:" + entityID

	var grant struct {
		Granted bool   `json:"granted"`
		Token   string `json:"token"`
	}
	post(client, base+"/v1/deletions/authorize", bearer, map[string]any{
		"entity_id": entityID,
		"scope":     "single",
		"operation": operation,
	}, &grant)
	if !grant.Granted || grant.Token == "" {
		log.Fatalf("authorization not granted or token missing: %+v", grant)
	}
	fmt.Println("authorize: granted")

	var preview struct {
		Impact struct {
			CanProceed bool `json:"canProceed"`
		} `json:"impact"`
		OperationID string `json:"operationId"`
	}
	post(client, base+"/v1/deletions/preview", bearer, map[string]any{
		"entity_type": "student",
		"entity_id":   entityID,
	}, &preview)
	if preview.OperationID == "" {
		log.Fatalf("preview returned no operation id")
	}
	fmt.Printf("preview: operation %s, canProceed=%v\n", preview.OperationID, preview.Impact.CanProceed)

	if !preview.Impact.CanProceed {
		fmt.Println("preview forbids deletion; skipping execute")
		return
	}

	var executed struct {
		OperationID string `json:"operation_id"`
	}
	post(client, base+"/v1/deletions/execute", bearer, map[string]any{
		"operation_id": preview.OperationID,
		"token":        grant.Token,
		"operation":    operation,
		"scope":        "single",
	}, &executed)
	fmt.Printf("execute: operation %s started\n", executed.OperationID)

	fmt.Println("safetyd smoke test passed")
}

func post(client *http.Client, url, bearer string, body, out any) {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("encode request: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)

	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("%s returned %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		log.Fatalf("decode response from %s: %v", url, err)
	}
}
