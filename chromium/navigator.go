/*
 *
 * xk6-browser - a browser automation extension for k6
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package chromium

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	"github.com/pkg/errors"

	"github.com/liuxd6825/pageframes/common"
	"github.com/liuxd6825/pageframes/errext"
	"github.com/liuxd6825/pageframes/log"
)

// Navigator implements common.Navigator with Page.navigate.
type Navigator struct {
	exec   cdp.Executor
	logger *log.Logger
}

var _ common.Navigator = &Navigator{}

// NewNavigator returns a navigator sending its commands through exec, which
// is the chromedp target of the page.
func NewNavigator(exec cdp.Executor, logger *log.Logger) *Navigator {
	return &Navigator{exec: exec, logger: logger}
}

// NavigateFrame starts a navigation of frame to url. It returns the loader
// id of the new document, or "" for a navigation within the document.
func (n *Navigator) NavigateFrame(ctx context.Context, frame *common.Frame, url, referer string) (string, error) {
	n.logger.Debugf("Navigator:NavigateFrame", "fid:%v url:%q referer:%q", frame.ID(), url, referer)

	params := page.Navigate(url).WithReferrer(referer).WithFrameID(frame.ID())
	var res page.NavigateReturns
	if err := cdp.Execute(cdp.WithExecutor(ctx, n.exec), page.CommandNavigate, params, &res); err != nil {
		return "", errors.Wrapf(err, "executing %s", page.CommandNavigate)
	}
	if res.ErrorText != "" {
		return "", errext.NewNavigationAbortedError(res.LoaderID.String(), fmt.Sprintf("%s at %s", res.ErrorText, url))
	}
	return res.LoaderID.String(), nil
}
