package main

import (
	"net/http"
	"time"

	"github.com/chenqinghe/sockgate/auth"
	"github.com/sirupsen/logrus"
)

// serveSigner hands out short lived tokens, for trying the token login out.
// It must not be exposed beyond a development setup.
func serveSigner(addr string, tokens *auth.Token, logger logrus.FieldLogger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/sign", func(w http.ResponseWriter, r *http.Request) {
		subject := r.URL.Query().Get("sub")
		if subject == "" {
			http.Error(w, "missing sub", http.StatusBadRequest)
			return
		}

		token, err := tokens.Issue(subject, time.Hour, r.URL.Query()["role"]...)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Write([]byte(token))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.WithField("addr", addr).Infoln("serving token signer")
	if err := server.ListenAndServe(); err != nil {
		logger.Errorln("token signer stopped:", err.Error())
	}
}
