package main

import (
	"context"
	"os"

	"github.com/get-sltr/3musketeers-sub002/internal/auth"
	"github.com/get-sltr/3musketeers-sub002/internal/config"
	"github.com/get-sltr/3musketeers-sub002/internal/db"
	clog "github.com/get-sltr/3musketeers-sub002/internal/log"
	"github.com/get-sltr/3musketeers-sub002/internal/relay"
	"github.com/get-sltr/3musketeers-sub002/internal/server"
	"github.com/get-sltr/3musketeers-sub002/internal/store"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接数据库并启动中继与 HTTP 服务。
	if err := godotenv.Load(); err != nil {
		// .env 缺失不算错误，容器里通常直接注入环境变量
		log.Debug().Msg("no .env file loaded")
	}
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.UploadDir).Msg("create upload dir")
	}

	st := store.New(gdb)
	verifier := auth.NewVerifier(gdb, cfg.JWTSecret)
	rl := relay.New(verifier, st)
	go rl.StartSweeper(context.Background())

	r := server.SetupRouter(cfg, gdb, st, rl)
	log.Info().Str("port", cfg.Port).Msg("relay listening")
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
