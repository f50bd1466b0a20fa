package devserver

import (
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/MrEthical07/authflow/api"
	"github.com/MrEthical07/authflow/device"
)

func (s *Server) listDevices(c *gin.Context) {
	sess := currentSession(c)
	devs := s.store.devicesOf(currentUser(c).ID)
	sort.Slice(devs, func(i, j int) bool { return devs[i].CreatedAt.Before(devs[j].CreatedAt) })
	out := make([]api.Device, 0, len(devs))
	for _, d := range devs {
		out = append(out, d.public(d.ID == sess.DeviceID))
	}
	c.JSON(http.StatusOK, gin.H{"devices": out})
}

// ownedDevice loads the :id device of the current user or writes a 404.
func (s *Server) ownedDevice(c *gin.Context) (deviceRecord, bool) {
	d, ok := s.store.device(c.Param("id"))
	if !ok || d.Revoked || d.UserID != currentUser(c).ID {
		abortError(c, http.StatusNotFound, "Device not found.")
		return deviceRecord{}, false
	}
	return d, true
}

func (s *Server) trustDevice(c *gin.Context) {
	var req struct {
		Password string `json:"password"`
	}
	if !bindJSON(c, &req) || !requireFields(c, field{"password", req.Password}) {
		return
	}
	d, ok := s.ownedDevice(c)
	if !ok {
		return
	}
	if !s.checkPassword(currentUser(c), req.Password) {
		fieldError(c, "password", "The password is incorrect.")
		return
	}
	var updated deviceRecord
	_ = s.store.updateDevice(d.ID, func(r *deviceRecord) error {
		r.Trusted = true
		r.Verified = true
		updated = *r
		return nil
	})
	c.JSON(http.StatusOK, gin.H{"message": "Device trusted.", "device": updated.public(d.ID == currentSession(c).DeviceID)})
}

func (s *Server) revokeDevice(c *gin.Context) {
	d, ok := s.ownedDevice(c)
	if !ok {
		return
	}
	s.store.revokeDevices(d.UserID, func(other deviceRecord) bool { return other.ID != d.ID })
	c.JSON(http.StatusOK, api.MessageResponse{Message: "Device revoked."})
}

// revokeAllDevices never revokes the calling device: neither the session's
// device nor the one named by current_fingerprint.
func (s *Server) revokeAllDevices(c *gin.Context) {
	var req struct {
		Password           string `json:"password"`
		CurrentFingerprint string `json:"current_fingerprint"`
	}
	if !bindJSON(c, &req) || !requireFields(c, field{"password", req.Password}) {
		return
	}
	u := currentUser(c)
	if !s.checkPassword(u, req.Password) {
		fieldError(c, "password", "The password is incorrect.")
		return
	}
	current := currentSession(c).DeviceID
	fp := strings.TrimSpace(req.CurrentFingerprint)
	n := s.store.revokeDevices(u.ID, func(d deviceRecord) bool {
		return d.ID == current || (fp != "" && d.Fingerprint == fp)
	})
	c.JSON(http.StatusOK, gin.H{"message": "Other devices revoked.", "revoked": n})
}

func (s *Server) securityCheck(c *gin.Context) {
	sess := currentSession(c)
	devs := s.store.devicesOf(currentUser(c).ID)
	report := device.SecurityReport{TotalDevices: len(devs)}
	for _, d := range devs {
		if d.Trusted {
			report.TrustedDevices++
		} else {
			report.UntrustedDevices++
		}
		if d.ID == sess.DeviceID {
			report.CurrentDeviceTrusted = d.Trusted
		}
	}
	if report.UntrustedDevices > 0 {
		report.Recommendations = append(report.Recommendations, "Review devices you do not recognize and revoke them.")
	}
	if !report.CurrentDeviceTrusted {
		report.Recommendations = append(report.Recommendations, "Trust this device to skip verification on future logins.")
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) registerDevice(c *gin.Context) {
	var req struct {
		Fingerprint string `json:"fingerprint"`
		Name        string `json:"name"`
		DeviceType  string `json:"device_type"`
		OS          string `json:"os"`
		Browser     string `json:"browser"`
	}
	if !bindJSON(c, &req) || !requireFields(c, field{"fingerprint", req.Fingerprint}) {
		return
	}
	sess := currentSession(c)
	d, ok := s.store.device(sess.DeviceID)
	if !ok || d.Fingerprint != strings.TrimSpace(req.Fingerprint) {
		fieldError(c, "fingerprint", "The fingerprint does not match this session's device.")
		return
	}
	var updated deviceRecord
	_ = s.store.updateDevice(d.ID, func(r *deviceRecord) error {
		if req.Name != "" {
			r.Name = req.Name
		}
		if req.DeviceType != "" {
			r.DeviceType = req.DeviceType
		}
		if req.OS != "" {
			r.OS = req.OS
		}
		if req.Browser != "" {
			r.Browser = req.Browser
		}
		r.IPAddress = c.ClientIP()
		updated = *r
		return nil
	})
	c.JSON(http.StatusOK, gin.H{"message": "Device registered.", "device": updated.public(true)})
}
