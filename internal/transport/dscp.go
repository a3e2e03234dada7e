// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"fmt"
	"strings"

	"golang.org/x/net/ipv4"
)

// ParseDSCP converte o nome de uma classe DSCP no code point de 6 bits.
// Aceita EF, AFxy (x 1..4, y 1..3) e CSn (n 0..7). Vazio desabilita (0).
func ParseDSCP(name string) (int, error) {
	class := strings.ToUpper(strings.TrimSpace(name))
	switch {
	case class == "":
		return 0, nil
	case class == "EF":
		return 46, nil
	case len(class) == 4 && class[:2] == "AF":
		x, y := class[2]-'0', class[3]-'0'
		if x >= 1 && x <= 4 && y >= 1 && y <= 3 {
			// AFxy = 8x + 2y (RFC 2597)
			return int(x)*8 + int(y)*2, nil
		}
	case len(class) == 3 && class[:2] == "CS":
		if n := class[2] - '0'; n <= 7 {
			return int(n) * 8, nil
		}
	}
	return 0, fmt.Errorf("unknown DSCP class %q (valid: EF, AF11..AF43, CS0..CS7)", name)
}

// ApplyDSCP marca os pacotes do socket com o code point informado.
// O byte TOS leva o DSCP nos 6 bits altos e ECN zerado.
func ApplyDSCP(pc *ipv4.PacketConn, dscp int) error {
	switch {
	case dscp == 0:
		return nil
	case dscp < 0 || dscp > 63:
		return fmt.Errorf("dscp code point %d out of range", dscp)
	}
	if err := pc.SetTOS(dscp << 2); err != nil {
		return fmt.Errorf("set tos 0x%02x: %w", dscp<<2, err)
	}
	return nil
}
