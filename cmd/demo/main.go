package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ChuLiYu/gnb-sched/internal/controller"
	"github.com/ChuLiYu/gnb-sched/pkg/types"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Registry struct {
		MaxUEs int `yaml:"max_ues"`
		MaxDUs int `yaml:"max_dus"`
	} `yaml:"registry"`
	Cells struct {
		Count      int           `yaml:"count"`
		SlotPeriod time.Duration `yaml:"slot_period"`
	} `yaml:"cells"`
	Procedures struct {
		ProcessingDelay time.Duration `yaml:"processing_delay"`
	} `yaml:"procedures"`
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run cmd/demo/main.go <attach|reset>")
		os.Exit(1)
	}

	mode := os.Args[1]
	cfg, err := loadConfig("configs/default.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctrlConfig := controller.DefaultConfig()
	ctrlConfig.MaxUEs = cfg.Registry.MaxUEs
	ctrlConfig.MaxDUs = cfg.Registry.MaxDUs
	ctrlConfig.NofCells = cfg.Cells.Count
	ctrlConfig.SlotPeriod = cfg.Cells.SlotPeriod
	ctrlConfig.ProcessingDelay = cfg.Procedures.ProcessingDelay

	ctrl := controller.NewController(ctrlConfig)
	if err := ctrl.Start(); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}

	fmt.Printf("✓ Controller started (mode: %s)\n", mode)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	const nofDUs = 2
	for du := uint64(0); du < nofDUs; du++ {
		submit(ctrl, types.ProcedureRequest{
			ID:     types.ProcedureID(fmt.Sprintf("du-setup-%d", du)),
			Entity: types.EntityDU,
			Index:  du,
			Kind:   types.ProcedureSetup,
		})
	}
	time.Sleep(100 * time.Millisecond)
	fmt.Printf("✓ %d DUs in service\n", nofDUs)

	switch mode {
	case "attach":
		// UE 平均分配到各 DU；同一 UE 的 setup / modify / release 依序執行
		const nofUEs = 200
		for ue := uint64(0); ue < nofUEs; ue++ {
			du := uint32(ue % nofDUs)
			for _, kind := range []types.ProcedureKind{types.ProcedureSetup, types.ProcedureModify, types.ProcedureRelease} {
				submit(ctrl, types.ProcedureRequest{
					ID:     types.ProcedureID(fmt.Sprintf("ue-%s-%d", kind, ue)),
					Entity: types.EntityUE,
					Index:  ue,
					DU:     du,
					Kind:   kind,
				})
			}
		}
		fmt.Printf("✓ Submitted %d UE procedures\n", nofUEs*3)
		fmt.Printf("\n⚡ Each UE runs its procedures in order on its own scheduler...\n\n")

		for i := 0; i < 10; i++ {
			select {
			case <-sigChan:
				shutdown(ctrl)
				return
			case <-time.After(100 * time.Millisecond):
				printStatus(ctrl, "📊 Status")
			}
		}

	case "reset":
		// 佇列中的程序在 reset 時被丟棄，正在執行的程序不受影響
		submit(ctrl, types.ProcedureRequest{ID: "ue-setup-0", Entity: types.EntityUE, Index: 0, Kind: types.ProcedureSetup})
		for i := 0; i < 10; i++ {
			submit(ctrl, types.ProcedureRequest{
				ID:     types.ProcedureID(fmt.Sprintf("ue-modify-0-%d", i)),
				Entity: types.EntityUE,
				Index:  0,
				Kind:   types.ProcedureModify,
			})
		}
		submit(ctrl, types.ProcedureRequest{ID: "ue-reset-0", Entity: types.EntityUE, Index: 0, Kind: types.ProcedureReset})

		time.Sleep(500 * time.Millisecond)
		printStatus(ctrl, "\n📊 Status after reset")
		fmt.Printf("\n💡 Dropped procedures were queued behind the setup when the reset arrived\n")

	default:
		fmt.Printf("Unknown mode %q\n", mode)
	}

	<-sigChan
	shutdown(ctrl)
}

func submit(ctrl *controller.Controller, req types.ProcedureRequest) {
	if err := ctrl.HandleProcedure(req); err != nil {
		fmt.Printf("⚠️  %s rejected: %v\n", req.String(), err)
	}
}

func printStatus(ctrl *controller.Controller, title string) {
	st := ctrl.GetStatus()
	fmt.Printf("%s: UEs=%v, Pending=%v, Running=%v, Completed=%v, Failed=%v, Dropped=%v, Slots=%v\n",
		title, st["ues"], st["pending"], st["running"], st["completed"], st["failed"], st["dropped"], st["slots_decided"])
}

func shutdown(ctrl *controller.Controller) {
	fmt.Println("\n\nReceived shutdown signal, stopping gracefully...")
	ctrl.Stop()
	fmt.Println("✓ Controller stopped")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
