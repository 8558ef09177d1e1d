package domain

// ReviewDashboard агрегаты для главной страницы SDU. Считаются только на сервере,
// поэтому после каждого перехода клиент перечитывает их целиком.
type ReviewDashboard struct {
	ByKind        []KindStats `json:"byKind"`
	TotalPending  int64       `json:"totalPending"`
	TotalRevision int64       `json:"totalRevision"`
	TotalApproved int64       `json:"totalApproved"`
}

type KindStats struct {
	Kind    Kind            `json:"kind"`
	ByState map[State]int64 `json:"byState"`
	Total   int64           `json:"total"`
}

// StateCount строка агрегата, как её отдаёт репозиторий.
type StateCount struct {
	Kind  Kind
	State State
	Count int64
}

// BuildDashboard сворачивает плоские счётчики в структуру дашборда.
func BuildDashboard(rows []StateCount) *ReviewDashboard {
	byKind := make(map[Kind]*KindStats, len(AllKinds))
	for _, k := range AllKinds {
		byKind[k] = &KindStats{Kind: k, ByState: make(map[State]int64)}
	}

	d := &ReviewDashboard{}
	for _, r := range rows {
		ks, ok := byKind[r.Kind]
		if !ok {
			continue
		}
		ks.ByState[r.State] += r.Count
		ks.Total += r.Count

		switch r.State {
		case StatePending:
			d.TotalPending += r.Count
		case StateRevisionRequested:
			d.TotalRevision += r.Count
		case StateApproved:
			d.TotalApproved += r.Count
		}
	}

	d.ByKind = make([]KindStats, 0, len(AllKinds))
	for _, k := range AllKinds {
		d.ByKind = append(d.ByKind, *byKind[k])
	}
	return d
}
