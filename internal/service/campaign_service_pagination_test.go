package service_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/unclebandit/campaign-scheduler/internal/model"
)

func TestPagination(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := svc.CreateCampaign(ctx, broadcastInput(fmt.Sprintf("C%d", i), "a@x.io"))
		if err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	pageSize := 2
	page1, pagination1, _ := svc.ListCampaigns(ctx, 1, pageSize, "", "")
	page2, _, _ := svc.ListCampaigns(ctx, 2, pageSize, "", "")

	expectedTotal := 5
	if pagination1["total_count"] != expectedTotal {
		t.Errorf("expected total_count %d, got %d", expectedTotal, pagination1["total_count"])
	}
	if pagination1["total_pages"] != 3 {
		t.Errorf("expected 3 pages, got %d", pagination1["total_pages"])
	}

	if len(page1) != 2 || len(page2) != 2 {
		t.Fatalf("expected full pages, got %d and %d", len(page1), len(page2))
	}

	// newest first
	if page1[0].ID <= page1[1].ID {
		t.Errorf("expected descending order in page 1")
	}
	if page2[0].ID <= page2[1].ID {
		t.Errorf("expected descending order in page 2")
	}
	if page1[1].ID == page2[0].ID {
		t.Errorf("duplicate entry between pages: %v", page1[1].ID)
	}

	page3, pagination3, _ := svc.ListCampaigns(ctx, 3, pageSize, "", "")
	if len(page3) != 1 {
		t.Errorf("expected last page to have 1 item, got %d", len(page3))
	}
	if pagination3["total_count"] != expectedTotal {
		t.Errorf("expected total_count %d, got %d", expectedTotal, pagination3["total_count"])
	}
}

func TestPaginationClampsInput(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	if _, err := svc.CreateCampaign(ctx, broadcastInput("only", "a@x.io")); err != nil {
		t.Fatalf("create: %v", err)
	}

	_, p, err := svc.ListCampaigns(ctx, 0, 0, "", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if p["page"] != 1 || p["page_size"] != 20 {
		t.Errorf("expected defaults page=1 page_size=20, got %v", p)
	}

	_, p, _ = svc.ListCampaigns(ctx, 1, 500, "", "")
	if p["page_size"] != 100 {
		t.Errorf("expected page_size capped at 100, got %d", p["page_size"])
	}

	list, p, _ := svc.ListCampaigns(ctx, 1, 10, string(model.KindDrip), "")
	if len(list) != 0 || p["total_count"] != 0 {
		t.Errorf("expected no drip campaigns, got %d", len(list))
	}
}
