package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PySeqEcosystem/pyseq-core/internal/config"
	"github.com/PySeqEcosystem/pyseq-core/internal/engine"
	"github.com/PySeqEcosystem/pyseq-core/internal/event"
	"github.com/PySeqEcosystem/pyseq-core/internal/handlers"
	"github.com/PySeqEcosystem/pyseq-core/internal/instrument"
	"github.com/PySeqEcosystem/pyseq-core/internal/persistence"
	"github.com/PySeqEcosystem/pyseq-core/internal/types"
	"github.com/PySeqEcosystem/pyseq-core/internal/util"
	"github.com/PySeqEcosystem/pyseq-core/internal/web"
	"github.com/spf13/cobra"
)

var flagConfig string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "pyseq",
		Short:        "Sequencing instrument orchestrator",
		Long:         "pyseq runs flow cell protocols on a shared imaging microscope.",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ./config.yaml)")
	root.AddCommand(newRunCmd(), newValidateCmd())
	return root
}

// main 是应用程序的主入口
func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// simInstruments 为每个配置中的流动池创建模拟仪器
func simInstruments(hw *config.Hardware, delay time.Duration, rec *instrument.Recorder) engine.Instruments {
	inst := engine.Instruments{
		Microscope: instrument.NewSimMicroscope(hw, delay, rec),
		FlowCells:  make(map[types.ActorID]instrument.FlowCellHardware),
	}
	for _, id := range hw.FlowCellIDs() {
		inst.FlowCells[id] = instrument.NewSimFlowCell(id, delay, rec)
	}
	return inst
}

func newRunCmd() *cobra.Command {
	var (
		experimentPath string
		flowcells      []string
		autoStart      bool
		console        bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the instrument service (HTTP API, websocket, metrics)",
		RunE: func(cmd *cobra.Command, args []string) error {
			// 1. 加载配置并初始化核心组件
			cfg, err := config.LoadConfig(flagConfig)
			if err != nil {
				return err
			}
			logger := util.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
			slog.SetDefault(logger)

			hw, err := config.LoadHardware(cfg.MachinePath)
			if err != nil {
				return err
			}
			inst := simInstruments(hw, time.Duration(cfg.SimDelayMs)*time.Millisecond, instrument.NewRecorder())
			if cfg.CameraEndpoint != "" {
				inst.Microscope.Camera = instrument.NewRemoteCamera(cfg.CameraEndpoint, logger)
				logger.Info("使用远程相机", "endpoint", cfg.CameraEndpoint)
			}

			bus := event.NewBus()
			hub := web.NewHub(logger)
			stateTracker := web.NewStateTracker(hub)

			var journal *persistence.Journal
			if cfg.JournalPath != "" {
				if journal, err = persistence.NewJournal(cfg.JournalPath); err != nil {
					return fmt.Errorf("open journal: %w", err)
				}
				defer journal.Close()
				reportUnfinished(journal, logger)
			}

			// 2. 注册事件处理器
			handlers.RegisterEventHandlers(bus, stateTracker, journal, logger)

			// 3. 初始化 Sequencer
			seq, err := engine.NewSequencer(hw, inst, bus, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			seq.Start(ctx)
			go hub.Run(ctx)

			srv := &http.Server{Addr: cfg.ListenAddr, Handler: web.NewAPI(seq, hub, stateTracker, logger).Handler()}
			go func() {
				logger.Info("API 服务器启动", "addr", cfg.ListenAddr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("API 服务器启动失败", "error", err)
					stop()
				}
			}()

			logger.Info("=== 测序仪编排系统启动 ===", "machine", hw.Name, "flowcells", seq.FlowCellIDs())

			if experimentPath != "" {
				if len(flowcells) == 0 {
					flowcells = cfg.FlowCells
				}
				if err := submitExperiment(seq, experimentPath, flowcells, autoStart, logger); err != nil {
					return err
				}
			}
			if console {
				go func() {
					if err := runConsole(ctx, os.Stdin, os.Stdout, seq); err != nil {
						logger.Warn("控制台退出", "error", err)
					}
				}()
			}

			// 4. 优雅停机
			<-ctx.Done()
			logger.Info("接收到停机信号，正在优雅关闭...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("关闭 API 服务器失败", "error", err)
			}
			if err := seq.Shutdown(shutdownCtx); err != nil {
				return err
			}
			logger.Info("系统已安全退出。")
			return nil
		},
	}
	cmd.Flags().StringVar(&experimentPath, "experiment", "", "experiment config to load at startup")
	cmd.Flags().StringSliceVar(&flowcells, "flowcells", nil, "flow cells for the startup experiment (default from config)")
	cmd.Flags().BoolVar(&autoStart, "auto-start", false, "start the protocol immediately")
	cmd.Flags().BoolVar(&console, "console", false, "read operator commands from stdin")
	return cmd
}

// reportUnfinished 提示操作员上一次运行中没有结束的任务，这些任务不会被重新执行
func reportUnfinished(journal *persistence.Journal, logger *slog.Logger) {
	unfinished, err := journal.Unfinished()
	if err != nil {
		logger.Warn("读取任务日志失败", "error", err)
		return
	}
	for _, e := range unfinished {
		logger.Warn("上次运行中未完成的任务", "run_id", e.RunID, "actor", e.Actor, "task_id", e.TaskID, "task", e.Description, "enqueued", e.Time)
	}
}

func submitExperiment(seq *engine.Sequencer, path string, flowcells []string, autoStart bool, logger *slog.Logger) error {
	exp, err := config.LoadExperiment(path)
	if err != nil {
		return err
	}
	task := seq.Submit("new experiment "+exp.Experiment.Name, func(ctx context.Context) error {
		return seq.NewExperiment(ctx, exp, engine.ExperimentOptions{AwaitROIs: true, AutoStart: autoStart}, flowcells...)
	})
	go func() {
		if err := task.Wait(context.Background()); err != nil {
			logger.Error("实验加载失败", "experiment", exp.Experiment.Name, "error", err)
		}
	}()
	return nil
}
