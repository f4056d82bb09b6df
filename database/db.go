/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package database

import (
	"database/sql"
	"errors"
	"sync"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/JacobsCounsel/jcllc-backend-sub001/config"
	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/apierror"
	"github.com/JacobsCounsel/jcllc-backend-sub001/internal/cache"
)

const tracerName = "nurture.database"

var (
	// ErrAlreadyRunning is returned when a subscriber already has a live
	// automation in the requested sequence. The error wraps the live id.
	ErrAlreadyRunning = errors.New("automation already running")

	// ErrInvalidTransition is returned when a state change is requested
	// from a state that does not allow it, such as pausing a completed automation.
	ErrInvalidTransition = errors.New("invalid automation state transition")
)

// AlreadyRunningError carries the id of the automation that is already live.
type AlreadyRunningError struct {
	AutomationID string
}

func (e *AlreadyRunningError) Error() string {
	return ErrAlreadyRunning.Error() + ": " + e.AutomationID
}

func (e *AlreadyRunningError) Unwrap() error { return ErrAlreadyRunning }

// Declare a package-level variable to hold the singleton instance.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn  *sql.DB
	Cache cache.Cache
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		ds := &Datasource{Conn: con}
		if configuration.Redis.Dns != "" {
			c, cacheErr := cache.NewCache(configuration.Redis.Dns)
			if cacheErr != nil {
				logrus.Warnf("subscriber cache disabled: %v", cacheErr)
			} else {
				ds.Cache = c
			}
		}
		instance = ds
	})
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, errors.New("datasource failed to initialize")
	}
	return instance, nil
}

func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}
	err = db.Ping()
	if err != nil {
		logrus.Errorf("database connection error: %v", err)
		return nil, err
	}
	return db, nil
}

// mapError converts driver errors into API errors. A nil error stays nil.
func mapError(err error, notFound, fallback string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apierror.NewAPIError(apierror.ErrNotFound, notFound, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Name() {
		case "unique_violation":
			return apierror.NewAPIError(apierror.ErrConflict, fallback, err)
		case "check_violation", "foreign_key_violation":
			return apierror.NewAPIError(apierror.ErrInvalidInput, fallback, err)
		}
	}
	return apierror.NewAPIError(apierror.ErrInternalServer, fallback, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation"
}
