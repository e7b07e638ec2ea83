package findings

import (
	"testing"
	"time"
)

func TestBuildIdentitiesEpochConversion(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	records := rawRecords(t,
		`{"PRINCIPAL_ID":"arn:aws:iam::1:user/alice","NAME":"alice","PROVIDER_TYPE":"AWS","DOMAIN_ID":"1","LAST_USED_TIME":1700000000000,"CREATED_TIME":"1600000000000","METRICS":{"risk_score":87.5,"risk_severity":"CRITICAL","risks":["INACTIVE_50_DAYS"]}}`,
		`{"PRINCIPAL_ID":"arn:aws:iam::1:user/bob","LAST_USED_TIME":null}`,
	)

	identities := buildIdentities("prod", records, now)
	if len(identities) != 2 {
		t.Fatalf("expected 2 identities, got %d", len(identities))
	}

	alice := identities[0]
	if alice.LastUsed == nil || *alice.LastUsed != "2023-11-14T22:13:20Z" {
		t.Fatalf("unexpected last_used: %v", alice.LastUsed)
	}
	if alice.Created == nil || *alice.Created != "2020-09-13T12:26:40Z" {
		t.Fatalf("unexpected created: %v", alice.Created)
	}
	if alice.DaysUnused == nil || *alice.DaysUnused < 0 {
		t.Fatalf("expected non-negative days_unused, got %v", alice.DaysUnused)
	}
	if *alice.DaysUnused != 1014 {
		t.Fatalf("expected 1014 days unused, got %d", *alice.DaysUnused)
	}
	if alice.RiskScore != 87.5 || alice.RiskSeverity != "CRITICAL" {
		t.Fatalf("unexpected risk fields: %#v", alice)
	}
	if len(alice.Risks) != 1 || alice.Risks[0] != "INACTIVE_50_DAYS" {
		t.Fatalf("unexpected risks: %#v", alice.Risks)
	}

	bob := identities[1]
	if bob.LastUsed != nil || bob.DaysUnused != nil || bob.Created != nil {
		t.Fatalf("expected nil timestamps for null epochs, got %#v", bob)
	}
	if bob.RiskSeverity != "INFO" || bob.RiskScore != 0 {
		t.Fatalf("expected risk defaults, got %#v", bob)
	}
}

func TestBuildIdentitiesDecodesStringEncodedBlobs(t *testing.T) {
	records := rawRecords(t,
		`{"PRINCIPAL_ID":"p1","METRICS":"{\"risk_score\":42,\"risk_severity\":\"HIGH\",\"risks\":\"[\\\"UNUSED_KEY\\\"]\"}","ENTITLEMENT_COUNTS":"{\"entitlements_total_count\":10,\"entitlements_unused_count\":7,\"entitlements_unused_percentage\":70.0,\"services_entitled_total_count\":4,\"services_unused_count\":2}"}`,
	)

	identities := BuildIdentities("prod", records)
	if len(identities) != 1 {
		t.Fatalf("expected 1 identity, got %d", len(identities))
	}

	id := identities[0]
	if id.RiskScore != 42 || id.RiskSeverity != "HIGH" {
		t.Fatalf("unexpected metrics: %#v", id)
	}
	if len(id.Risks) != 1 || id.Risks[0] != "UNUSED_KEY" {
		t.Fatalf("unexpected risks: %#v", id.Risks)
	}
	if id.EntitlementsTotal != 10 || id.EntitlementsUnused != 7 || id.EntitlementsUnusedPct != 70.0 {
		t.Fatalf("unexpected entitlement counts: %#v", id)
	}
	if id.ServicesTotal != 4 || id.ServicesUnused != 2 {
		t.Fatalf("unexpected service counts: %#v", id)
	}
}

func TestBuildIdentitiesMalformedBlobDegrades(t *testing.T) {
	records := rawRecords(t,
		`{"PRINCIPAL_ID":"p1","METRICS":"{not json","ENTITLEMENT_COUNTS":"also not json"}`,
	)

	identities := BuildIdentities("prod", records)
	if len(identities) != 1 {
		t.Fatalf("expected degraded identity, got %d rows", len(identities))
	}
	id := identities[0]
	if id.RiskSeverity != "INFO" || id.RiskScore != 0 || len(id.Risks) != 0 {
		t.Fatalf("expected empty metrics, got %#v", id)
	}
	if id.EntitlementsTotal != 0 || id.ServicesTotal != 0 {
		t.Fatalf("expected zero entitlement counts, got %#v", id)
	}
}

func TestBuildIdentitiesAccessKeys(t *testing.T) {
	records := rawRecords(t,
		`{"PRINCIPAL_ID":"p1","ACCESS_KEYS_LIST":[{"access_key_id":"AKIA1","active":true,"last_used":1700000000000,"created_time":"2023-01-01","hard_coded":false},"not a dict"]}`,
		`{"PRINCIPAL_ID":"p2","ACCESS_KEYS":"{\"k1\":{\"access_key_id\":\"AKIA2\",\"active\":false}}"}`,
		`{"PRINCIPAL_ID":"p3","ACCESS_KEYS_LIST":[],"ACCESS_KEYS":[{"access_key_id":"AKIA3","active":true}]}`,
	)

	identities := BuildIdentities("prod", records)
	if len(identities) != 3 {
		t.Fatalf("expected 3 identities, got %d", len(identities))
	}

	keys := identities[0].AccessKeys
	if len(keys) != 1 {
		t.Fatalf("expected non-dict entries skipped, got %#v", keys)
	}
	if keys[0].KeyID != "AKIA1" || !keys[0].Active || keys[0].HardCoded {
		t.Fatalf("unexpected key: %#v", keys[0])
	}
	if keys[0].LastUsed == nil || keys[0].Created == nil {
		t.Fatalf("expected timestamp pass-through, got %#v", keys[0])
	}

	keyed := identities[1].AccessKeys
	if len(keyed) != 1 || keyed[0].KeyID != "AKIA2" || keyed[0].Active {
		t.Fatalf("expected object-keyed keys flattened, got %#v", keyed)
	}

	fallback := identities[2].AccessKeys
	if len(fallback) != 1 || fallback[0].KeyID != "AKIA3" {
		t.Fatalf("expected ACCESS_KEYS fallback when the list is empty, got %#v", fallback)
	}
}

func TestSortIdentitiesByRiskSeverity(t *testing.T) {
	identities := []Identity{
		{PrincipalID: "low", RiskSeverity: "LOW"},
		{PrincipalID: "crit", RiskSeverity: "CRITICAL"},
		{PrincipalID: "odd", RiskSeverity: "SEVERE"},
		{PrincipalID: "high", RiskSeverity: "HIGH"},
	}

	SortIdentities(identities)

	want := []string{"crit", "high", "low", "odd"}
	for i := range want {
		if identities[i].PrincipalID != want[i] {
			t.Fatalf("unexpected order: %#v", identities)
		}
	}
}
