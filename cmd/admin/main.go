package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"meetgo/backend/internal/config"
	"meetgo/backend/internal/logging"
	"meetgo/backend/internal/models"
	"meetgo/backend/internal/storage"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const usage = `Usage: admin <command> [args]

Commands:
  sessions [room_id] [limit]   list recorded room sessions (needs DATABASE_DSN)
  occupancy                    show live member counts (needs REDIS_ADDR)
  close-room <room_id>         disconnect every member of a live room (needs REDIS_ADDR)`

func main() {
	_ = godotenv.Load()
	logging.Init(logging.Config{Level: os.Getenv("LOG_LEVEL"), Pretty: true, ServiceName: "meetgo-admin"})
	log := logging.L()

	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch command := os.Args[1]; command {
	case "sessions":
		roomID := ""
		if len(os.Args) > 2 {
			roomID = os.Args[2]
		}
		limit := 20
		if len(os.Args) > 3 {
			n, err := strconv.Atoi(os.Args[3])
			if err != nil || n <= 0 {
				fmt.Println("Invalid limit. Please provide a positive integer.")
				os.Exit(1)
			}
			limit = n
		}

		s := storage.NewStorageService(openDB(), nil) // No redis needed for the audit listing
		sessions, err := s.ListRoomSessions(ctx, roomID, limit)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to list sessions")
		}
		renderSessions(sessions)

	case "occupancy":
		s := storage.NewStorageService(nil, openRedis(ctx))
		counts, err := s.Occupancy(ctx)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to read occupancy")
		}
		renderOccupancy(counts)

	case "close-room":
		if len(os.Args) != 3 {
			fmt.Println("Usage: admin close-room <room_id>")
			os.Exit(1)
		}
		s := storage.NewStorageService(nil, openRedis(ctx))
		cmd := models.ControlCommand{Action: config.ControlCloseRoom, RoomID: os.Args[2]}
		if err := s.PublishControl(ctx, cmd); err != nil {
			log.Fatal().Err(err).Msg("failed to publish close-room")
		}
		fmt.Printf("Room %s is being closed.\n", cmd.RoomID)

	default:
		fmt.Println("Unknown command")
		fmt.Println(usage)
		os.Exit(1)
	}
}

func openDB() *gorm.DB {
	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
			os.Getenv("DB_HOST"),
			os.Getenv("DB_USER"),
			os.Getenv("DB_PASSWORD"),
			os.Getenv("DB_NAME"),
			os.Getenv("DB_PORT"),
		)
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log := logging.L()
		log.Fatal().Err(err).Msg("failed to connect database")
	}
	return db
}

func openRedis(ctx context.Context) *redis.Client {
	log := logging.L()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		log.Fatal().Msg("REDIS_ADDR is not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: os.Getenv("REDIS_PASSWORD")})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	return rdb
}

func renderSessions(sessions []models.RoomSession) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Room", "Protected", "Peak", "Participants", "Opened", "Duration"})
	for _, s := range sessions {
		t.AppendRow(table.Row{
			s.RoomID,
			s.Protected,
			s.PeakSize,
			len(s.Participants),
			s.OpenedAt.Local().Format(time.DateTime),
			s.Duration().Round(time.Second),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "Total", len(sessions)})
	t.Render()
}

func renderOccupancy(counts map[string]int) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Room", "Members"})
	for room, n := range counts {
		t.AppendRow(table.Row{room, n})
	}
	t.SortBy([]table.SortBy{{Name: "Room", Mode: table.Asc}})
	t.Render()
}
