package integration

import (
	"fmt"
	"testing"
	"time"

	"github.com/ChuLiYu/gnb-sched/internal/controller"
	"github.com/ChuLiYu/gnb-sched/pkg/types"
	"github.com/stretchr/testify/require"
)

// generateUERequests 為每個 UE 產生 setup / modify / release 三個程序，
// UE 平均分配到 nofDUs 個 DU
func generateUERequests(nofUEs, nofDUs int, prefix string) []types.ProcedureRequest {
	kinds := []types.ProcedureKind{types.ProcedureSetup, types.ProcedureModify, types.ProcedureRelease}
	reqs := make([]types.ProcedureRequest, 0, nofUEs*len(kinds))
	for ue := 0; ue < nofUEs; ue++ {
		for _, kind := range kinds {
			reqs = append(reqs, types.ProcedureRequest{
				ID:     types.ProcedureID(fmt.Sprintf("%s-%s-%d", prefix, kind, ue)),
				Entity: types.EntityUE,
				Index:  uint64(ue),
				DU:     uint32(ue % nofDUs),
				Kind:   kind,
			})
		}
	}
	return reqs
}

// setupDUs 啟用 DU 0..n-1 並等待完成
func setupDUs(t testing.TB, ctrl *controller.Controller, n int) {
	t.Helper()
	for du := 0; du < n; du++ {
		require.NoError(t, ctrl.HandleProcedure(types.ProcedureRequest{
			ID:     types.ProcedureID(fmt.Sprintf("du-setup-%d", du)),
			Entity: types.EntityDU,
			Index:  uint64(du),
			Kind:   types.ProcedureSetup,
		}))
	}
	waitForFinished(t, ctrl, n, 5*time.Second)
}

// waitForFinished 等待至少 n 個程序結束（completed + failed + dropped）
func waitForFinished(t testing.TB, ctrl *controller.Controller, n int, timeout time.Duration) map[string]interface{} {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		status := ctrl.GetStatus()
		finished := status["completed"].(int) + status["failed"].(int) + status["dropped"].(int)
		if finished >= n {
			return status
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d/%d procedures finished: %+v", finished, n, status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
