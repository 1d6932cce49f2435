package audit

import "time"

// TimelineFilters menampung filter untuk penelusuran jejak audit.
type TimelineFilters struct {
	From        time.Time
	To          time.Time
	PrincipalID string
	PathPrefix  string
	Action      string
	Decision    Decision
	Page        int
	PageSize    int
}

// PagingInfo menyimpan metadata pagination sederhana.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"page_size"`
	HasNext  bool `json:"has_next"`
}

// Result menyatukan baris event dan informasi halaman.
type Result struct {
	Rows   []Event
	Paging PagingInfo
}
