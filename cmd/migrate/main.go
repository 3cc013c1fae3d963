package main

import (
	"database/sql"
	"flag"
	"log"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/pressly/goose"

	"github.com/SirClappington/relay/internal/config"
)

func main() {
	dir := flag.String("dir", "migrations", "migrations directory")
	down := flag.Bool("down", false, "roll back one migration")
	flag.Parse()

	_ = godotenv.Load()
	cfg := config.Load()

	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatal(err)
	}
	if *down {
		if err := goose.Down(db, *dir); err != nil {
			log.Fatal(err)
		}
		return
	}
	if err := goose.Up(db, *dir); err != nil {
		log.Fatal(err)
	}
}
