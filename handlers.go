package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/example/logica/internal/account"
	"github.com/gorilla/mux"
)

const maxBodyBytes = 1 << 20

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return false
	}
	return true
}

type accountResponse struct {
	Message string           `json:"message"`
	User    *account.Account `json:"user"`
}

type sessionResponse struct {
	Message string `json:"message"`
	*account.Session
}

func (a *App) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var in account.RegisterInput
	if !decode(w, r, &in) {
		return
	}
	acc, err := a.Accounts.Register(r.Context(), in)
	if err != nil {
		a.writeAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, accountResponse{
		Message: "Registration successful. Your account is pending administrator approval.",
		User:    acc,
	})
}

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in account.LoginInput
	if !decode(w, r, &in) {
		return
	}
	s, err := a.Accounts.Login(r.Context(), in)
	if err != nil {
		a.writeAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Message: "Login successful.", Session: s})
}

func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.Accounts.Logout(r.Context(), principalFrom(r)); err != nil {
		a.writeAccountError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Session ended.")
}

func (a *App) HandleMe(w http.ResponseWriter, r *http.Request) {
	acc, err := a.Accounts.Me(principalFrom(r))
	if err != nil {
		a.writeAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *App) HandleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var in account.ProfileInput
	if !decode(w, r, &in) {
		return
	}
	acc, err := a.Accounts.UpdateProfile(r.Context(), principalFrom(r), in)
	if err != nil {
		a.writeAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{Message: "Profile updated.", User: acc})
}

func (a *App) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	var in account.PasswordInput
	if !decode(w, r, &in) {
		return
	}
	if err := a.Accounts.ChangePassword(r.Context(), principalFrom(r), in); err != nil {
		a.writeAccountError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Password changed.")
}

func (a *App) HandleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := a.Accounts.DeleteAccount(r.Context(), principalFrom(r)); err != nil {
		a.writeAccountError(w, r, err)
		return
	}
	writeMessage(w, http.StatusOK, "Account deleted.")
}

func (a *App) HandleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := a.Accounts.ListAccounts(r.Context(), principalFrom(r))
	if err != nil {
		a.writeAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (a *App) HandleSearchAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := a.Accounts.SearchAccounts(r.Context(), principalFrom(r), r.URL.Query().Get("query"))
	if err != nil {
		a.writeAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (a *App) HandleSetApproval(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusNotFound, account.ErrNotFound.Code, account.ErrNotFound.Message)
		return
	}
	var in struct {
		Approved *bool `json:"approved"`
	}
	if !decode(w, r, &in) {
		return
	}
	if in.Approved == nil {
		a.writeAccountError(w, r, account.ValidationError(map[string]string{"approved": "cannot be blank"}))
		return
	}

	acc, err := a.Accounts.SetApproval(r.Context(), principalFrom(r), id, *in.Approved)
	if err != nil {
		a.writeAccountError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, accountResponse{Message: "Approval updated.", User: acc})
}

func (a *App) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}
