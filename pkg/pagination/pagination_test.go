package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextFor(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(contextFor("/"))

	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected default offset 0, got %d", p.Offset)
	}
	if p.Page() != 1 {
		t.Errorf("expected page 1, got %d", p.Page())
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := FromContext(contextFor("/?limit=50&offset=10"))

	if p.Limit != 50 {
		t.Errorf("expected limit 50, got %d", p.Limit)
	}
	if p.Offset != 10 {
		t.Errorf("expected offset 10, got %d", p.Offset)
	}
}

func TestFromContext_Page(t *testing.T) {
	p := FromContext(contextFor("/?limit=10&page=3"))

	if p.Offset != 20 {
		t.Errorf("expected offset 20 for page 3, got %d", p.Offset)
	}
	if p.Page() != 3 {
		t.Errorf("expected page 3, got %d", p.Page())
	}
}

func TestFromContext_OffsetWinsOverPage(t *testing.T) {
	p := FromContext(contextFor("/?limit=10&page=3&offset=5"))
	if p.Offset != 5 {
		t.Errorf("expected offset 5, got %d", p.Offset)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	p := FromContext(contextFor("/?limit=500"))
	if p.Limit != MaxLimit {
		t.Errorf("expected limit capped at %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_Invalid(t *testing.T) {
	p := FromContext(contextFor("/?limit=abc&offset=-4&page=0"))
	if p.Limit != DefaultLimit {
		t.Errorf("expected default limit, got %d", p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 45, Params{Limit: 20, Offset: 20})

	if resp.Total != 45 {
		t.Errorf("expected total 45, got %d", resp.Total)
	}
	if resp.Page != 2 {
		t.Errorf("expected page 2, got %d", resp.Page)
	}
	if !resp.HasMore {
		t.Error("expected has_more true")
	}

	last := NewResponse(nil, 45, Params{Limit: 20, Offset: 40})
	if last.HasMore {
		t.Error("expected has_more false on the last page")
	}
}
