package admin

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/juanfont/impersonate/types"
	"github.com/rs/zerolog/log"
)

// ListFilter is one filter of the impersonation log listing.
type ListFilter interface {
	Title() string
	Parameter() string
	// Lookups returns the selectable values, without the leading "All".
	Lookups(ctx context.Context) ([]types.FilterChoice, error)
	// Apply narrows f by the request value. An empty value does nothing.
	Apply(value string, f *types.ImpersonationLogFilter) error
}

const allLabel = "All"

// Describe returns the filter with its choices, "All" first, marking the
// one matching selected.
func Describe(ctx context.Context, lf ListFilter, selected string) (types.FilterDescriptor, error) {
	lookups, err := lf.Lookups(ctx)
	if err != nil {
		return types.FilterDescriptor{}, err
	}

	choices := make([]types.FilterChoice, 0, len(lookups)+1)
	choices = append(choices, types.FilterChoice{Value: "", Label: allLabel, Selected: selected == ""})
	for _, c := range lookups {
		c.Selected = c.Value == selected
		choices = append(choices, c)
	}

	return types.FilterDescriptor{
		Title:     lf.Title(),
		Parameter: lf.Parameter(),
		Choices:   choices,
	}, nil
}

// ApplyFilters builds the log filter from the query parameters and returns
// the parameters that were set.
func ApplyFilters(filters []ListFilter, query url.Values) (types.ImpersonationLogFilter, map[string]string, error) {
	var f types.ImpersonationLogFilter
	used := map[string]string{}
	for _, lf := range filters {
		value := query.Get(lf.Parameter())
		if value == "" {
			continue
		}
		if err := lf.Apply(value, &f); err != nil {
			return f, nil, err
		}
		used[lf.Parameter()] = value
	}
	return f, used, nil
}

func invalidValue(lf ListFilter, value string, err error) error {
	return types.NewHTTPError(http.StatusBadRequest,
		fmt.Sprintf("Invalid value %q for filter %q", value, lf.Parameter()), err)
}

// SessionStateFilter splits sessions by whether they have ended.
type SessionStateFilter struct{}

func (SessionStateFilter) Title() string     { return "session state" }
func (SessionStateFilter) Parameter() string { return "session" }

func (SessionStateFilter) Lookups(context.Context) ([]types.FilterChoice, error) {
	return []types.FilterChoice{
		{Value: string(types.SessionStateIncomplete), Label: "Incomplete"},
		{Value: string(types.SessionStateComplete), Label: "Complete"},
	}, nil
}

// Apply ignores values other than complete and incomplete.
func (SessionStateFilter) Apply(value string, f *types.ImpersonationLogFilter) error {
	switch types.SessionState(value) {
	case types.SessionStateIncomplete, types.SessionStateComplete:
		f.State = types.SessionState(value)
	}
	return nil
}

// ImpersonatorFilter narrows the listing to one impersonator. It offers
// only "All" once there are more than MaxSize distinct impersonators.
type ImpersonatorFilter struct {
	Store   Store
	MaxSize int
}

func (ImpersonatorFilter) Title() string     { return "impersonator" }
func (ImpersonatorFilter) Parameter() string { return "impersonator" }

func (lf ImpersonatorFilter) Lookups(ctx context.Context) ([]types.FilterChoice, error) {
	ids, err := lf.Store.DistinctImpersonatorIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing impersonators: %w", err)
	}

	if len(ids) > lf.MaxSize {
		log.Debug().
			Int("impersonators", len(ids)).
			Int("max_filter_size", lf.MaxSize).
			Msg("Hiding impersonator filter as the number of impersonators exceeds max_filter_size")
		return nil, nil
	}

	users, err := lf.Store.GetUsersByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading impersonators: %w", err)
	}

	choices := make([]types.FilterChoice, 0, len(users))
	for i := range users {
		choices = append(choices, types.FilterChoice{
			Value: users[i].ID.String(),
			Label: users[i].FriendlyName(),
		})
	}
	return choices, nil
}

func (lf ImpersonatorFilter) Apply(value string, f *types.ImpersonationLogFilter) error {
	id, err := uuid.Parse(value)
	if err != nil {
		return invalidValue(lf, value, err)
	}
	f.ImpersonatorID = &id
	return nil
}

// Started-at filter values.
const (
	StartedToday     = "today"
	StartedPast7Days = "past_7_days"
	StartedThisMonth = "this_month"
	StartedThisYear  = "this_year"
	StartedNoDate    = "no_date"
	StartedHasDate   = "has_date"
)

// StartedAtFilter buckets sessions by their start date in Location.
type StartedAtFilter struct {
	Location *time.Location
	Now      func() time.Time
}

func (StartedAtFilter) Title() string     { return "session started at" }
func (StartedAtFilter) Parameter() string { return "started" }

func (StartedAtFilter) Lookups(context.Context) ([]types.FilterChoice, error) {
	return []types.FilterChoice{
		{Value: StartedToday, Label: "Today"},
		{Value: StartedPast7Days, Label: "Past 7 days"},
		{Value: StartedThisMonth, Label: "This month"},
		{Value: StartedThisYear, Label: "This year"},
		{Value: StartedNoDate, Label: "No date"},
		{Value: StartedHasDate, Label: "Has date"},
	}, nil
}

func (lf StartedAtFilter) Apply(value string, f *types.ImpersonationLogFilter) error {
	now := lf.Now().In(lf.Location)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, lf.Location)
	tomorrow := today.AddDate(0, 0, 1)

	var from, before time.Time
	switch value {
	case StartedToday:
		from, before = today, tomorrow
	case StartedPast7Days:
		from, before = today.AddDate(0, 0, -7), tomorrow
	case StartedThisMonth:
		from = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, lf.Location)
		before = from.AddDate(0, 1, 0)
	case StartedThisYear:
		from = time.Date(now.Year(), time.January, 1, 0, 0, 0, 0, lf.Location)
		before = from.AddDate(1, 0, 0)
	case StartedNoDate, StartedHasDate:
		set := value == StartedHasDate
		f.StartedSet = &set
		return nil
	default:
		return invalidValue(lf, value, nil)
	}

	f.StartedFrom = &from
	f.StartedBefore = &before
	return nil
}

// LogFilters returns the impersonation log filters in display order.
func LogFilters(store Store, maxSize int, loc *time.Location, now func() time.Time) []ListFilter {
	return []ListFilter{
		SessionStateFilter{},
		ImpersonatorFilter{Store: store, MaxSize: maxSize},
		StartedAtFilter{Location: loc, Now: now},
	}
}

func (h *Handlers) logFilters() []ListFilter {
	return LogFilters(h.store, h.opts.MaxFilterSize, h.opts.Location, h.now)
}
