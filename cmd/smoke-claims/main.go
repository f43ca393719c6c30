// Command smoke-claims exercises a running obligo-api end to end: provision
// balances, settle a claim in two installments, flip ownership to a paying
// debtor, and drive a signed-permit controller flow. Run it against a dev
// instance (auth disabled, zero fees).
package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"obligo.org/internal/approvals"
	"obligo.org/internal/identity"
	"obligo.org/internal/typedsig"
)

type client struct {
	base string
	http *http.Client
}

func (c *client) call(method, path, caller string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if caller != "" {
		req.Header.Set("X-Caller-Address", caller)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

type claimState struct {
	ID         uint64 `json:"id"`
	Status     string `json:"status"`
	Paid       int64  `json:"paid"`
	Controller string `json:"controller"`
}

func main() {
	base := os.Getenv("OBLIGO_API_URL")
	if base == "" {
		base = "http://localhost:8090"
	}
	admin := os.Getenv("OBLIGO_ADMIN_ADDR")
	if admin == "" {
		log.Fatal("OBLIGO_ADMIN_ADDR is required for balance provisioning")
	}

	creditor := "0x00000000000000000000000000000000000000c1"
	debtor := "0x00000000000000000000000000000000000000d1"
	controller := "0x00000000000000000000000000000000000000cc"

	c := &client{base: base, http: &http.Client{Timeout: 5 * time.Second}}

	if err := c.call(http.MethodPost, "/v1/mint", admin, map[string]any{
		"holder": debtor,
		"amount": 2000,
	}, nil); err != nil {
		log.Fatalf("mint: %v", err)
	}

	// Phase 1: installment settlement.
	var created claimState
	if err := c.call(http.MethodPost, "/v1/claims", creditor, map[string]any{
		"creditor":    creditor,
		"debtor":      debtor,
		"description": "smoke claim",
		"amount":      400,
	}, &created); err != nil {
		log.Fatalf("create claim: %v", err)
	}
	payPath := fmt.Sprintf("/v1/claims/%d/pay", created.ID)

	var st claimState
	if err := c.call(http.MethodPost, payPath, debtor, map[string]any{"amount": 150}, &st); err != nil {
		log.Fatalf("first payment: %v", err)
	}
	if st.Status != "repaying" || st.Paid != 150 {
		log.Fatalf("unexpected state after first payment: %+v", st)
	}
	if err := c.call(http.MethodPost, payPath, debtor, map[string]any{"amount": 250}, &st); err != nil {
		log.Fatalf("second payment: %v", err)
	}
	if st.Status != "paid" || st.Paid != 400 {
		log.Fatalf("claim did not settle: %+v", st)
	}

	// Phase 2: ownership flips to the payer on full settlement.
	var flip claimState
	if err := c.call(http.MethodPost, "/v1/claims", creditor, map[string]any{
		"creditor":             creditor,
		"debtor":               debtor,
		"description":          "payer receives claim",
		"amount":               300,
		"payer_receives_claim": true,
	}, &flip); err != nil {
		log.Fatalf("create flip claim: %v", err)
	}
	if err := c.call(http.MethodPost, fmt.Sprintf("/v1/claims/%d/pay", flip.ID), debtor,
		map[string]any{"amount": 300}, nil); err != nil {
		log.Fatalf("flip payment: %v", err)
	}
	var got struct {
		Owner string `json:"owner"`
	}
	if err := c.call(http.MethodGet, fmt.Sprintf("/v1/claims/%d", flip.ID), "", nil, &got); err != nil {
		log.Fatalf("get flip claim: %v", err)
	}
	if !strings.EqualFold(got.Owner, debtor) {
		log.Fatalf("ownership did not flip to payer: owner=%s", got.Owner)
	}

	// Phase 3: permit-backed controller create and cancel.
	if err := c.call(http.MethodPost, "/v1/directory", controller,
		map[string]any{"name": "smoke-billing"}, nil); err != nil {
		log.Fatalf("register controller: %v", err)
	}

	key, err := identity.GenerateKey()
	if err != nil {
		log.Fatalf("generate key: %v", err)
	}
	grantor := identity.AddressOf(key)
	controllerAddr, _ := identity.ParseAddress(controller)

	var info struct {
		Domain struct {
			Name     string `json:"name"`
			Version  string `json:"version"`
			LedgerID uint64 `json:"ledger_id"`
			Registry string `json:"registry"`
		} `json:"domain"`
	}
	if err := c.call(http.MethodGet, "/v1/info", "", nil, &info); err != nil {
		log.Fatalf("info: %v", err)
	}
	registry, _ := identity.ParseAddress(info.Domain.Registry)
	domain := typedsig.Domain{
		Name:     info.Domain.Name,
		Version:  info.Domain.Version,
		LedgerID: info.Domain.LedgerID,
		Registry: registry,
	}

	permit := func(family string, digest [32]byte, body map[string]any) {
		sig, err := identity.Sign(digest, key)
		if err != nil {
			log.Fatalf("sign %s permit: %v", family, err)
		}
		body["grantor"] = grantor.Hex()
		body["signature"] = "0x" + hex.EncodeToString(sig)
		path := fmt.Sprintf("/v1/approvals/%s/permit?controller=%s", family, controller)
		if err := c.call(http.MethodPost, path, controller, body, nil); err != nil {
			log.Fatalf("%s permit: %v", family, err)
		}
	}

	permit(approvals.FamilyCreateClaim,
		typedsig.CreateClaimDigest(domain, grantor, controllerAddr, "smoke-billing",
			uint8(approvals.CreateCreditorOnly), 1, false, 0),
		map[string]any{"kind": "creditor_only", "count": 1})

	permit(approvals.FamilyCancelClaim,
		typedsig.CancelClaimDigest(domain, grantor, controllerAddr, "smoke-billing", 1, 0),
		map[string]any{"count": 1})

	var controlled claimState
	if err := c.call(http.MethodPost, "/v1/claims", controller, map[string]any{
		"acting_for":  grantor.Hex(),
		"creditor":    grantor.Hex(),
		"debtor":      debtor,
		"description": "controller-minted",
		"amount":      100,
	}, &controlled); err != nil {
		log.Fatalf("controller create: %v", err)
	}
	if !strings.EqualFold(controlled.Controller, controller) {
		log.Fatalf("claim is not controller-locked: %+v", controlled)
	}

	// a controlled claim rejects direct mutation by its own creditor
	if err := c.call(http.MethodPost, fmt.Sprintf("/v1/claims/%d/cancel", controlled.ID),
		grantor.Hex(), map[string]any{}, nil); err == nil {
		log.Fatal("direct cancel of a controlled claim should fail")
	}

	if err := c.call(http.MethodPost, fmt.Sprintf("/v1/claims/%d/cancel", controlled.ID),
		controller, map[string]any{"acting_for": grantor.Hex()}, &st); err != nil {
		log.Fatalf("controller cancel: %v", err)
	}
	if st.Status != "rescinded" {
		log.Fatalf("controlled claim not rescinded: %+v", st)
	}

	// Conservation across everything above (zero fees assumed).
	var balC, balD struct {
		Balance int64 `json:"balance"`
	}
	if err := c.call(http.MethodGet, "/v1/balances/"+creditor, "", nil, &balC); err != nil {
		log.Fatalf("balance creditor: %v", err)
	}
	if err := c.call(http.MethodGet, "/v1/balances/"+debtor, "", nil, &balD); err != nil {
		log.Fatalf("balance debtor: %v", err)
	}
	if balC.Balance+balD.Balance != 2000 {
		log.Fatalf("conservation failed: %d + %d", balC.Balance, balD.Balance)
	}

	fmt.Printf("smoke test passed: settled=%d flipped=%d controlled=%d\n",
		created.ID, flip.ID, controlled.ID)
}
