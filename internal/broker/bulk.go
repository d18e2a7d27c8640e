package broker

import (
	"context"
	"strings"
	"sync"

	"broker-gateway/internal/types"
)

// CancelFunc cancels one order by its broker-native id.
type CancelFunc func(ctx context.Context, orderID string) (types.OrderResult, error)

// CancelAll cancels every order whose status is in openStatuses, matched
// case-insensitively. Cancels run concurrently; an individual failure is
// recorded in the report and never aborts the batch. Orders in terminal
// states are counted as skipped.
func CancelAll(ctx context.Context, orders []types.Order, openStatuses []string, cancel CancelFunc) types.BulkReport {
	open := make(map[string]struct{}, len(openStatuses))
	for _, s := range openStatuses {
		open[strings.ToLower(s)] = struct{}{}
	}

	report := types.BulkReport{Items: []types.BulkItem{}}

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, ord := range orders {
		if _, live := open[strings.ToLower(ord.Status)]; !live {
			report.Skipped++
			continue
		}
		report.Attempted++

		wg.Add(1)
		go func(ord types.Order) {
			defer wg.Done()

			item := types.BulkItem{Key: ord.OrderID}
			res, err := cancel(ctx, ord.OrderID)
			if err != nil {
				item.Error = err.Error()
				collect(&mu, &report, item, false)
				return
			}
			item.Result = res
			collect(&mu, &report, item, true)
		}(ord)
	}

	wg.Wait()
	return report
}
