package config

import (
	"github.com/joho/godotenv"
)

// LoadEnv loads a .env file from the working directory into the process
// environment. Variables already set take precedence. The error wraps
// os.ErrNotExist when there is no .env file.
func LoadEnv(filenames ...string) error {
	return godotenv.Load(filenames...)
}
